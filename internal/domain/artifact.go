package domain

import (
	"errors"
	"strings"
	"time"
)

// Artifact is a materialized step output stored in the artifact store.
type Artifact struct {
	ID           string
	RunID        string
	PipelineName string
	ProducerStep string
	OutputName   string
	URI          string
	ContentType  string
	SHA256       string
	SizeBytes    int64
	CreatedAt    time.Time
}

func (a Artifact) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return errors.New("artifact id is required")
	}
	if strings.TrimSpace(a.RunID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(a.ProducerStep) == "" {
		return errors.New("producer step is required")
	}
	if strings.TrimSpace(a.URI) == "" {
		return errors.New("artifact uri is required")
	}
	if strings.TrimSpace(a.SHA256) == "" {
		return errors.New("sha256 is required")
	}
	return nil
}

// LineageEdge links a child artifact to the artifacts its producer consumed.
type LineageEdge struct {
	RunID             string
	PipelineName      string
	ChildArtifactID   string
	ParentArtifactIDs []string
	ProducerStep      string
	OccurredAt        time.Time
	Metadata          Metadata
}

func (e LineageEdge) Validate() error {
	if strings.TrimSpace(e.RunID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(e.ChildArtifactID) == "" {
		return errors.New("child artifact id is required")
	}
	if strings.TrimSpace(e.ProducerStep) == "" {
		return errors.New("producer step is required")
	}
	for _, parent := range e.ParentArtifactIDs {
		if strings.TrimSpace(parent) == "" {
			return errors.New("parent artifact ids must be non-empty")
		}
	}
	return nil
}
