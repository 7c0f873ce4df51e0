package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewRunID creates a unique run identifier.
// Format: run-{timestamp_hex}-{random_hex}
// Example: run-17f0c2a9b1d2e3f4-e5f6a7b8
func NewRunID() string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("run-%x-%s", time.Now().UnixNano(), random)
}
