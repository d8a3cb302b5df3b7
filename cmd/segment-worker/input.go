package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ignite/audience-engine/internal/domain"
	"github.com/ignite/audience-engine/internal/segmentation"
)

// segmentFile is the on-disk form accepted by the create command.
type segmentFile struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Type        domain.SegmentType `json:"type"`
	Definition  json.RawMessage    `json:"definition"`
	IsActive    *bool              `json:"is_active"`
}

func parseCreateInput(data []byte) (segmentation.CreateInput, error) {
	var f segmentFile
	if err := json.Unmarshal(data, &f); err != nil {
		return segmentation.CreateInput{}, fmt.Errorf("parse segment file: %w", err)
	}
	def, err := domain.DecodeDefinition(f.Type, f.Definition)
	if err != nil {
		return segmentation.CreateInput{}, err
	}
	return segmentation.CreateInput{
		Name:        f.Name,
		Description: f.Description,
		Definition:  def,
		IsActive:    f.IsActive,
	}, nil
}

// fixtureFile seeds the in-memory stores used when no database is configured.
type fixtureFile struct {
	Segments []domain.Segment       `json:"segments"`
	Users    []domain.User          `json:"users"`
	Events   []domain.BehaviorEvent `json:"events"`
}

func loadFixtures(path string) (fixtureFile, error) {
	var f fixtureFile
	if path == "" {
		return f, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return f, fmt.Errorf("read fixtures: %w", err)
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("parse fixtures: %w", err)
	}
	return f, nil
}
