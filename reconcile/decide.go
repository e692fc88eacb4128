package reconcile

import "github.com/onnwee/kick-notifier/db"

// Action is the outcome of comparing the cached state with a fresh observation.
// IsLive and Notified are the values to persist when no dispatch is needed or
// the dispatch completed.
type Action struct {
	Dispatch bool
	IsLive   bool
	Notified bool
}

// Decide applies the live-session transition table:
//
//	prev  cur
//	off   off   stay offline
//	off   live  new session: dispatch, mark notified
//	live  live  dispatch only if the session was never announced
//	live  off   session over: clear notified
func Decide(prev db.LiveState, curIsLive bool) Action {
	switch {
	case !curIsLive:
		return Action{}
	case !prev.IsLive:
		return Action{Dispatch: true, IsLive: true, Notified: true}
	case !prev.Notified:
		return Action{Dispatch: true, IsLive: true, Notified: true}
	default:
		return Action{IsLive: true, Notified: true}
	}
}
