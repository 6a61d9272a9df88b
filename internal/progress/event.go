package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageSiteStart   Stage = "SITE_START"
	StagePageSkipped Stage = "PAGE_SKIPPED"
	StagePageIndexed Stage = "PAGE_INDEXED"
	StagePageFailed  Stage = "PAGE_FAILED"
	StageSiteDone    Stage = "SITE_DONE"
)

// Event captures a single crawl milestone.
type Event struct {
	// RunID identifies one crawl pass over a site.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// Site is the site's host label.
	Site   string
	URL    string
	PageID string
	// Bytes is the size of the fetched content, when it was fetched.
	Bytes int64
	// Chunks counts chunks stored by an indexed page.
	Chunks int
	// Reason is the change detector's decision or the failure class.
	Reason string
	Dur    time.Duration
	// Note carries low-volume debug context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageSiteStart, StageSiteDone:
		if e.Site == "" {
			return fmt.Errorf("%s requires site", e.Stage)
		}
	case StagePageSkipped, StagePageFailed:
		if e.URL == "" {
			return fmt.Errorf("%s requires url", e.Stage)
		}
	case StagePageIndexed:
		if e.URL == "" || e.PageID == "" {
			return errors.New("page indexed requires url and page id")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	if e.Chunks < 0 {
		return errors.New("chunks must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// NewRunID returns a fresh time-ordered run ID.
func NewRunID() [16]byte {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return UUIDToBytes(id)
}
