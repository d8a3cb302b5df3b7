// Package httputil provides the JSON response helpers used by the worker's
// operational endpoints.
package httputil
