package call

type Phase int8

const (
	PhaseIdle Phase = iota
	PhaseRingingOut
	PhaseRingingIn
	PhaseConnecting
	PhaseActive
	PhaseEnded
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRingingOut:
		return "ringing_out"
	case PhaseRingingIn:
		return "ringing_in"
	case PhaseConnecting:
		return "connecting"
	case PhaseActive:
		return "active"
	case PhaseEnded:
		return "ended"
	}
	return "unknown"
}

type Role int8

const (
	RoleCaller Role = iota
	RoleCallee
)

func (r Role) String() string {
	if r == RoleCaller {
		return "caller"
	}
	return "callee"
}
