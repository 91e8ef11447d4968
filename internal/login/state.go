package login

// State is a step of the login flow.
type State string

const (
	StateInit               State = "Init"
	StateNavigated          State = "Navigated"
	StateChallengeExtracted State = "ChallengeExtracted"
	StateChallengeSolving   State = "ChallengeSolving"
	StateTokenInjected      State = "TokenInjected"
	StateFormSubmitted      State = "FormSubmitted"
	StatePostLoginCheck     State = "PostLoginCheck"
	StateCookiesHarvested   State = "CookiesHarvested"
	StateDone               State = "Done"
	StateFailed             State = "Failed"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Observer is told about an attempt's progress. Calls come from the attempt's
// goroutine, in order.
type Observer interface {
	BrowserStarted(debugURL string)
	Transition(to State)
}

type nopObserver struct{}

func (nopObserver) BrowserStarted(string) {}
func (nopObserver) Transition(State)      {}
