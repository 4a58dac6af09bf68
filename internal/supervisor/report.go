package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// reportEncMode uses core deterministic encoding so equal reports
// produce equal bytes.
var reportEncMode cbor.EncMode

func init() {
	var err error
	reportEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("supervisor: CBOR encoder initialization failed: " + err.Error())
	}
}

// Report summarizes one finished run.
type Report struct {
	RunID        string    `json:"run_id" cbor:"run_id"`
	State        string    `json:"state" cbor:"state"`
	ExitCode     int       `json:"exit_code" cbor:"exit_code"`
	Detail       string    `json:"detail,omitempty" cbor:"detail,omitempty"`
	FuelConsumed uint64    `json:"fuel_consumed" cbor:"fuel_consumed"`
	StartedAt    time.Time `json:"started_at" cbor:"started_at"`
	DurationMS   int64     `json:"duration_ms" cbor:"duration_ms"`
}

// Encode renders the report as CBOR when ext is ".cbor" and as indented
// JSON otherwise.
func (r *Report) Encode(ext string) ([]byte, error) {
	if strings.EqualFold(ext, ".cbor") {
		return reportEncMode.Marshal(r)
	}
	return json.MarshalIndent(r, "", "  ")
}

// Write stores the report at path, choosing the encoding by extension.
func (r *Report) Write(path string) error {
	data, err := r.Encode(filepath.Ext(path))
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	return nil
}
