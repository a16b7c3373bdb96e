// Package fastmon implements the Fast-Monitoring sampler: it consumes
// stf_ready broadcasts, samples a configurable fraction of Time Frames
// out of each Super Time Frame, records each as a FastMonFile row, and
// rebroadcasts tf_file_registered so Fast-Processing can slice it (spec
// §9's peripheral-agent supplement; behavior grounded in
// example_fastmon_agent.py / example_fastmon_utils.py).
package fastmon

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"

	"github.com/hugo-lorenzo-mato/swf-agents/internal/core"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/events"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/logging"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/monitorclient"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/validation"
)

// Destination is both the subscription and the rebroadcast topic.
const Destination = "/topic/epictopic"

// Sender is the narrow broker-publish capability this sampler needs.
type Sender interface {
	Send(destination string, body []byte, headers map[string]string) error
}

// Config holds the sampler's tunables (validated per
// example_fastmon_utils.validate_config: SelectionFraction in [0,1]).
type Config struct {
	SelectionFraction float64
	TFFilesPerSTF     int
	TFSizeFraction    float64
	TFSequenceStart   int

	// DefaultSTFSizeBytes sizes a TF file when the triggering message
	// carries no size_bytes of its own. The DAQ workflow's stf_gen
	// broadcasts never carry one (spec §4.7's Open Question: the
	// stf_gen -> stf_ready adapter is "assumed external"); this sampler
	// fills that gap itself rather than recording zero-byte TF files.
	DefaultSTFSizeBytes int64
}

// DefaultConfig mirrors the original agent's default CLI config.
func DefaultConfig() Config {
	return Config{SelectionFraction: 0.1, TFFilesPerSTF: 7, TFSizeFraction: 0.15, TFSequenceStart: 1, DefaultSTFSizeBytes: 150_000_000}
}

// Validate enforces selection_fraction's range (spec §7's ConfigError:
// "invalid range, e.g. selection_fraction outside [0,1]").
func (c Config) Validate() error {
	return validation.Fraction("selection_fraction", c.SelectionFraction)
}

// Sampler is the Fast-Monitoring agent's message handler.
type Sampler struct {
	cfg       Config
	monitor   *monitorclient.Client
	broker    Sender
	logger    *logging.Logger
	namespace string
	agentName string
}

// New creates a Sampler. cfg is validated immediately; an invalid
// selection_fraction is fatal at startup (spec §7).
func New(cfg Config, monitor *monitorclient.Client, broker Sender, logger *logging.Logger, namespace, agentName string) (*Sampler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Sampler{cfg: cfg, monitor: monitor, broker: broker, logger: logger, namespace: namespace, agentName: agentName}, nil
}

type stfReadyPayload struct {
	core.MessageEnvelope
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	State     string `json:"state"`
	Substate  string `json:"substate"`
	Start     int    `json:"start"`
	End       int    `json:"end"`
}

// HandleSTFReady samples TFFilesPerSTF candidate TF files from the STF,
// keeps a selection_fraction share of them, records each kept one as a
// FastMonFile row, and rebroadcasts tf_file_registered per kept file.
// Bound to both the stf_ready and stf_gen msg_types: the DAQ workflow
// only ever emits the latter, so this handler doubles as the missing
// stf_gen -> stf_ready adapter (spec §4.7's Open Question).
func (s *Sampler) HandleSTFReady(ctx context.Context, f events.Frame) error {
	var stf stfReadyPayload
	if err := json.Unmarshal(f.Body, &stf); err != nil {
		return fmt.Errorf("decoding stf_ready: %w", err)
	}
	if stf.Filename == "" {
		s.logger.Error("stf_ready message has no filename", "run_id", stf.RunID)
		return nil
	}

	base := strings.TrimSuffix(stf.Filename, fileExt(stf.Filename))
	registered := 0

	stfSize := stf.SizeBytes
	if stfSize == 0 {
		stfSize = s.cfg.DefaultSTFSizeBytes
	}

	for i := 0; i < s.cfg.TFFilesPerSTF; i++ {
		if rand.Float64() >= s.cfg.SelectionFraction {
			continue
		}

		seq := s.cfg.TFSequenceStart + i
		tfFilename := fmt.Sprintf("%s_tf_%03d.tf", base, seq)
		tfSize := int64(float64(stfSize) * s.cfg.TFSizeFraction)

		record := monitorclient.FastMonFileDTO{
			STFParentFilename: stf.Filename,
			TFFilename:        tfFilename,
			FileSizeBytes:     tfSize,
			Status:            string(core.FastMonRegistered),
			Metadata: map[string]any{
				"created_from": stf.Filename,
				"agent_name":   s.agentName,
				"state":        stf.State,
				"substate":     stf.Substate,
				"start":        stf.Start,
				"end":          stf.End,
			},
		}
		if err := s.monitor.CreateFastMonFile(ctx, record); err != nil {
			s.logger.Warn("fastmon-file creation failed", "tf_filename", tfFilename, "error", err)
			continue
		}
		registered++

		if err := s.publish(stf, tfFilename, tfSize); err != nil {
			s.logger.Warn("tf_file_registered rebroadcast failed", "tf_filename", tfFilename, "error", err)
		}
	}

	s.logger.Info("sampled TF files from STF", "stf_filename", stf.Filename, "tf_files_registered", registered)
	return nil
}

func (s *Sampler) publish(stf stfReadyPayload, tfFilename string, sizeBytes int64) error {
	body, err := json.Marshal(map[string]any{
		"msg_type":       events.TypeTFFileRegistered,
		"namespace":      s.namespace,
		"execution_id":   stf.ExecutionID,
		"run_id":         stf.RunID,
		"run_number":     stf.RunID,
		"tf_filename":    tfFilename,
		"file_size_bytes": sizeBytes,
		"stf_filename":   stf.Filename,
		"status":         string(core.FastMonRegistered),
	})
	if err != nil {
		return err
	}
	return s.broker.Send(Destination, body, nil)
}

func fileExt(filename string) string {
	for i := len(filename) - 1; i >= 0; i-- {
		if filename[i] == '.' {
			return filename[i:]
		}
	}
	return ""
}

// Destinations lists the broker subscriptions this sampler needs. The
// Workflow Runner wires HandleSTFReady directly into an agent.Agent via
// RegisterHandler rather than through the stepping-loop Registry.
func (s *Sampler) Destinations() []string { return []string{Destination} }
