package relay

import "fmt"

// RecipientKind is the closed set of recipient variants the dispatcher routes.
type RecipientKind int

const (
	// KindHuman is a user reachable through live channels or push.
	KindHuman RecipientKind = iota
	// KindAgent is a synchronous non-human responder. It is always online.
	KindAgent
)

func (k RecipientKind) String() string {
	switch k {
	case KindHuman:
		return "human"
	case KindAgent:
		return "agent"
	default:
		return fmt.Sprintf("RecipientKind(%d)", int(k))
	}
}

// Recipient is a classified trigger receiver.
type Recipient struct {
	Kind RecipientKind
	User UserRef
}

// Classifier maps the role carried on a UserRef onto a RecipientKind.
type Classifier struct {
	AgentRole string
}

// Classify returns the recipient variant for ref.
func (c Classifier) Classify(ref UserRef) Recipient {
	if c.AgentRole != "" && ref.Role == c.AgentRole {
		return Recipient{Kind: KindAgent, User: ref}
	}
	return Recipient{Kind: KindHuman, User: ref}
}
