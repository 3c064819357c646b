package domain

// Recipient delivery statuses.
const (
	RecipientPending   = "pending"
	RecipientSent      = "sent"
	RecipientDelivered = "delivered"
	RecipientOpened    = "opened"
	RecipientClicked   = "clicked"
	RecipientFailed    = "failed"
)

var recipientNext = map[string][]string{
	RecipientPending:   {RecipientSent, RecipientDelivered, RecipientOpened, RecipientClicked, RecipientFailed},
	RecipientSent:      {RecipientDelivered, RecipientOpened, RecipientClicked, RecipientFailed},
	RecipientDelivered: {RecipientOpened, RecipientClicked},
	RecipientOpened:    {RecipientClicked},
}

// CanAdvanceRecipient reports whether a notification recipient may move from
// one status to another. Statuses only ever move forward.
func CanAdvanceRecipient(from, to string) bool {
	for _, s := range recipientNext[from] {
		if s == to {
			return true
		}
	}
	return false
}

// RecipientStatusFrom lists the statuses that may advance to the given one.
func RecipientStatusFrom(to string) []string {
	var res []string
	for from, next := range recipientNext {
		for _, s := range next {
			if s == to {
				res = append(res, from)
			}
		}
	}
	return res
}

func ValidRecipientStatus(s string) bool {
	switch s {
	case RecipientPending, RecipientSent, RecipientDelivered, RecipientOpened, RecipientClicked, RecipientFailed:
		return true
	}
	return false
}

func ValidRole(role string) bool {
	switch role {
	case RoleVolunteer, RoleOrganizer, RoleAdmin:
		return true
	}
	return false
}
