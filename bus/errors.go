package bus

import (
	"errors"
	"fmt"

	"github.com/NICTA/stateline/internal/wire"
)

var (
	errShortHelloReply = errors.New("stateline: hello reply too short")
	errDelegatorSilent = errors.New("stateline: delegator heartbeat timeout")
	errServeDone       = errors.New("stateline: goodbye received")
)

func errUnexpectedSubject(s wire.Subject) error {
	return fmt.Errorf("stateline: expected HELLO reply, got %s", s)
}
