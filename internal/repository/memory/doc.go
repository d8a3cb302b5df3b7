// Package memory provides in-process implementations of the segmentation
// storage and source interfaces. They back single-node deployments without a
// database and local development; every read returns a snapshot.
package memory
