package player

// State is the top-level playback state.
type State int

const (
	StateInitial State = iota
	StateSeekingEnd
	StateLoaded
	StateReady
	StatePlaying
	StateSeeking
	StateEnded
	StateError
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateInitial:
		return "Initial"
	case StateSeekingEnd:
		return "SeekingEnd"
	case StateLoaded:
		return "Loaded"
	case StateReady:
		return "Ready"
	case StatePlaying:
		return "Playing"
	case StateSeeking:
		return "Seeking"
	case StateEnded:
		return "Ended"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// SeekState is the stage of an in-progress seek. It is NotSeeking outside
// StateSeeking.
type SeekState int

const (
	NotSeeking SeekState = iota
	BisectToTarget
	BisectToKeypoint
	LinearToTarget
)

// String returns the seek state name.
func (s SeekState) String() string {
	switch s {
	case NotSeeking:
		return "NotSeeking"
	case BisectToTarget:
		return "BisectToTarget"
	case BisectToKeypoint:
		return "BisectToKeypoint"
	case LinearToTarget:
		return "LinearToTarget"
	default:
		return "Unknown"
	}
}
