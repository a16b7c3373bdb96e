package events

// Frame types used as EventType() discriminators on the bus. These mirror
// the msg_type values carried in the broker envelope (spec §6) plus two
// internal control types used by the Workflow Runner's own work channel.
const (
	TypeRunWorkflow       = "run_workflow"
	TypeStopWorkflow      = "stop_workflow"
	TypeStatusRequest     = "status_request"
	TypeRunImminent       = "run_imminent"
	TypeStartRun          = "start_run"
	TypePauseRun          = "pause_run"
	TypeResumeRun         = "resume_run"
	TypeEndRun            = "end_run"
	TypeSTFGen            = "stf_gen"
	TypeSTFReady          = "stf_ready"
	TypeTFFileRegistered  = "tf_file_registered"
	TypeSlice             = "slice"
	TypeSliceResult       = "slice_result"
)

// Frame wraps a decoded broker message for delivery on the EventBus. Body
// is the raw JSON payload; handlers re-decode it into the specific struct
// they expect for MsgType.
type Frame struct {
	BaseEvent
	Destination string
	MsgType     string
	Body        []byte
}

// NewFrame builds a Frame event ready for publication on an EventBus.
func NewFrame(destination, msgType, namespace string, body []byte) Frame {
	return Frame{
		BaseEvent:   NewBaseEvent(msgType, namespace),
		Destination: destination,
		MsgType:     msgType,
		Body:        body,
	}
}
