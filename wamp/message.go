/*
Package wamp defines the message types, identifier types, and reserved URI
values of the WAMP v2 protocol, from the point of view of a client peer.

*/
package wamp

// MessageType is the code identifying a WAMP message type on the wire.
type MessageType int

// Message is implemented by all WAMP messages.
type Message interface {
	MessageType() MessageType
}

// Message type codes.  The direction notes are from the client's perspective.
const (
	HELLO        MessageType = 1 // tx (session open)
	WELCOME      MessageType = 2 // rx
	ABORT        MessageType = 3 // tx, rx
	CHALLENGE    MessageType = 4 // rx (auth)
	AUTHENTICATE MessageType = 5 // tx (auth)
	GOODBYE      MessageType = 6 // tx, rx
	ERROR        MessageType = 8 // rx

	PUBLISH   MessageType = 16 // tx (publisher)
	PUBLISHED MessageType = 17 // rx (publisher)

	SUBSCRIBE    MessageType = 32 // tx (subscriber)
	SUBSCRIBED   MessageType = 33 // rx (subscriber)
	UNSUBSCRIBE  MessageType = 34 // tx (subscriber)
	UNSUBSCRIBED MessageType = 35 // rx (subscriber)
	EVENT        MessageType = 36 // rx (subscriber)

	CALL   MessageType = 48 // tx (caller)
	CANCEL MessageType = 49 // tx (caller)
	RESULT MessageType = 50 // rx (caller)

	REGISTER     MessageType = 64 // tx (callee)
	REGISTERED   MessageType = 65 // rx (callee)
	UNREGISTER   MessageType = 66 // tx (callee)
	UNREGISTERED MessageType = 67 // rx (callee)
	INVOCATION   MessageType = 68 // rx (callee)
	INTERRUPT    MessageType = 69 // rx (callee)
	YIELD        MessageType = 70 // tx (callee)
)

var messageTypeNames = map[MessageType]string{
	HELLO:        "HELLO",
	WELCOME:      "WELCOME",
	ABORT:        "ABORT",
	CHALLENGE:    "CHALLENGE",
	AUTHENTICATE: "AUTHENTICATE",
	GOODBYE:      "GOODBYE",
	ERROR:        "ERROR",
	PUBLISH:      "PUBLISH",
	PUBLISHED:    "PUBLISHED",
	SUBSCRIBE:    "SUBSCRIBE",
	SUBSCRIBED:   "SUBSCRIBED",
	UNSUBSCRIBE:  "UNSUBSCRIBE",
	UNSUBSCRIBED: "UNSUBSCRIBED",
	EVENT:        "EVENT",
	CALL:         "CALL",
	CANCEL:       "CANCEL",
	RESULT:       "RESULT",
	REGISTER:     "REGISTER",
	REGISTERED:   "REGISTERED",
	UNREGISTER:   "UNREGISTER",
	UNREGISTERED: "UNREGISTERED",
	INVOCATION:   "INVOCATION",
	INTERRUPT:    "INTERRUPT",
	YIELD:        "YIELD",
}

// String returns the name of the message type.
func (mt MessageType) String() string { return messageTypeNames[mt] }

// NewMessage returns an empty message of the given type, or nil if the type
// code is not part of the vocabulary.  Deserialization uses this to allocate
// the struct that wire fields are decoded into.
func NewMessage(t MessageType) Message {
	switch t {
	case HELLO:
		return &Hello{}
	case WELCOME:
		return &Welcome{}
	case ABORT:
		return &Abort{}
	case CHALLENGE:
		return &Challenge{}
	case AUTHENTICATE:
		return &Authenticate{}
	case GOODBYE:
		return &Goodbye{}
	case ERROR:
		return &Error{}
	case PUBLISH:
		return &Publish{}
	case PUBLISHED:
		return &Published{}
	case SUBSCRIBE:
		return &Subscribe{}
	case SUBSCRIBED:
		return &Subscribed{}
	case UNSUBSCRIBE:
		return &Unsubscribe{}
	case UNSUBSCRIBED:
		return &Unsubscribed{}
	case EVENT:
		return &Event{}
	case CALL:
		return &Call{}
	case CANCEL:
		return &Cancel{}
	case RESULT:
		return &Result{}
	case REGISTER:
		return &Register{}
	case REGISTERED:
		return &Registered{}
	case UNREGISTER:
		return &Unregister{}
	case UNREGISTERED:
		return &Unregistered{}
	case INVOCATION:
		return &Invocation{}
	case INTERRUPT:
		return &Interrupt{}
	case YIELD:
		return &Yield{}
	}
	return nil
}

// IsGoodbyeAck reports whether the message is a GOODBYE sent in
// acknowledgment of session close.
func IsGoodbyeAck(msg Message) bool {
	gb, ok := msg.(*Goodbye)
	return ok && gb.Reason == CloseGoodbyeAndOut
}

// ----- Session lifecycle -----

// Hello is sent by a client to open a session on a realm.
//
// [HELLO, Realm|uri, Details|dict]
type Hello struct {
	Realm   URI
	Details Dict
}

func (msg *Hello) MessageType() MessageType { return HELLO }

// Welcome is sent by the router to accept the client; the session is then
// established.
//
// [WELCOME, Session|id, Details|dict]
type Welcome struct {
	ID      ID
	Details Dict
}

func (msg *Welcome) MessageType() MessageType { return WELCOME }

// Abort is sent by either peer to refuse a session before it is established.
// It is never acknowledged.
//
// [ABORT, Details|dict, Reason|uri]
type Abort struct {
	Details Dict
	Reason  URI
}

func (msg *Abort) MessageType() MessageType { return ABORT }

// Challenge is sent by the router during session opening when the realm
// requires authentication.
//
// [CHALLENGE, AuthMethod|string, Extra|dict]
type Challenge struct {
	AuthMethod string
	Extra      Dict
}

func (msg *Challenge) MessageType() MessageType { return CHALLENGE }

// Authenticate is the client's reply to a CHALLENGE.
//
// [AUTHENTICATE, Signature|string, Extra|dict]
type Authenticate struct {
	Signature string
	Extra     Dict
}

func (msg *Authenticate) MessageType() MessageType { return AUTHENTICATE }

// Goodbye closes an established session.  The receiving peer echoes it to
// acknowledge.
//
// [GOODBYE, Details|dict, Reason|uri]
type Goodbye struct {
	Details Dict
	Reason  URI
}

func (msg *Goodbye) MessageType() MessageType { return GOODBYE }

// Error is the failure reply to a request.  Type and Request identify the
// request that failed.
//
// [ERROR, REQUEST.Type|int, REQUEST.Request|id, Details|dict, Error|uri,
//     Arguments|list, ArgumentsKw|dict]
type Error struct {
	Type        MessageType
	Request     ID
	Details     Dict
	Error       URI
	Arguments   List `wamp:"omitempty"`
	ArgumentsKw Dict `wamp:"omitempty"`
}

func (msg *Error) MessageType() MessageType { return ERROR }

// ----- Publish and subscribe -----

// Publish submits an event to a topic.
//
// [PUBLISH, Request|id, Options|dict, Topic|uri, Arguments|list,
//     ArgumentsKw|dict]
type Publish struct {
	Request     ID
	Options     Dict
	Topic       URI
	Arguments   List `wamp:"omitempty"`
	ArgumentsKw Dict `wamp:"omitempty"`
}

func (msg *Publish) MessageType() MessageType { return PUBLISH }

// Published acknowledges an acknowledged publication.
//
// [PUBLISHED, PUBLISH.Request|id, Publication|id]
type Published struct {
	Request     ID
	Publication ID
}

func (msg *Published) MessageType() MessageType { return PUBLISHED }

// Subscribe requests a subscription to a topic.
//
// [SUBSCRIBE, Request|id, Options|dict, Topic|uri]
type Subscribe struct {
	Request ID
	Options Dict
	Topic   URI
}

func (msg *Subscribe) MessageType() MessageType { return SUBSCRIBE }

// Subscribed acknowledges a subscription and carries the subscription ID
// that future events reference.
//
// [SUBSCRIBED, SUBSCRIBE.Request|id, Subscription|id]
type Subscribed struct {
	Request      ID
	Subscription ID
}

func (msg *Subscribed) MessageType() MessageType { return SUBSCRIBED }

// Unsubscribe removes a subscription.
//
// [UNSUBSCRIBE, Request|id, SUBSCRIBED.Subscription|id]
type Unsubscribe struct {
	Request      ID
	Subscription ID
}

func (msg *Unsubscribe) MessageType() MessageType { return UNSUBSCRIBE }

// Unsubscribed acknowledges an unsubscription.
//
// [UNSUBSCRIBED, UNSUBSCRIBE.Request|id]
type Unsubscribed struct {
	Request ID
}

func (msg *Unsubscribed) MessageType() MessageType { return UNSUBSCRIBED }

// Event delivers a publication to a subscriber.
//
// [EVENT, SUBSCRIBED.Subscription|id, PUBLISHED.Publication|id, Details|dict,
//     PUBLISH.Arguments|list, PUBLISH.ArgumentsKw|dict]
type Event struct {
	Subscription ID
	Publication  ID
	Details      Dict
	Arguments    List `wamp:"omitempty"`
	ArgumentsKw  Dict `wamp:"omitempty"`
}

func (msg *Event) MessageType() MessageType { return EVENT }

// ----- Remote procedure calls -----

// Call invokes a registered procedure.
//
// [CALL, Request|id, Options|dict, Procedure|uri, Arguments|list,
//     ArgumentsKw|dict]
type Call struct {
	Request     ID
	Options     Dict
	Procedure   URI
	Arguments   List `wamp:"omitempty"`
	ArgumentsKw Dict `wamp:"omitempty"`
}

func (msg *Call) MessageType() MessageType { return CALL }

// Cancel asks the router to abort a call in progress.
//
// [CANCEL, CALL.Request|id, Options|dict]
type Cancel struct {
	Request ID
	Options Dict
}

func (msg *Cancel) MessageType() MessageType { return CANCEL }

// Result carries the outcome of a successful call.
//
// [RESULT, CALL.Request|id, Details|dict, YIELD.Arguments|list,
//     YIELD.ArgumentsKw|dict]
type Result struct {
	Request     ID
	Details     Dict
	Arguments   List `wamp:"omitempty"`
	ArgumentsKw Dict `wamp:"omitempty"`
}

func (msg *Result) MessageType() MessageType { return RESULT }

// Register announces a procedure endpoint.
//
// [REGISTER, Request|id, Options|dict, Procedure|uri]
type Register struct {
	Request   ID
	Options   Dict
	Procedure URI
}

func (msg *Register) MessageType() MessageType { return REGISTER }

// Registered acknowledges a registration and carries the registration ID
// that future invocations reference.
//
// [REGISTERED, REGISTER.Request|id, Registration|id]
type Registered struct {
	Request      ID
	Registration ID
}

func (msg *Registered) MessageType() MessageType { return REGISTERED }

// Unregister removes a registration.
//
// [UNREGISTER, Request|id, REGISTERED.Registration|id]
type Unregister struct {
	Request      ID
	Registration ID
}

func (msg *Unregister) MessageType() MessageType { return UNREGISTER }

// Unregistered acknowledges an unregistration.
//
// [UNREGISTERED, UNREGISTER.Request|id]
type Unregistered struct {
	Request ID
}

func (msg *Unregistered) MessageType() MessageType { return UNREGISTERED }

// Invocation asks a callee to actually run a registered procedure.
//
// [INVOCATION, Request|id, REGISTERED.Registration|id, Details|dict,
//     CALL.Arguments|list, CALL.ArgumentsKw|dict]
type Invocation struct {
	Request      ID
	Registration ID
	Details      Dict
	Arguments    List `wamp:"omitempty"`
	ArgumentsKw  Dict `wamp:"omitempty"`
}

func (msg *Invocation) MessageType() MessageType { return INVOCATION }

// Interrupt asks a callee to abort an invocation in progress.
//
// [INTERRUPT, INVOCATION.Request|id, Options|dict]
type Interrupt struct {
	Request ID
	Options Dict
}

func (msg *Interrupt) MessageType() MessageType { return INTERRUPT }

// Yield is the callee's reply to an invocation, turned into a RESULT for the
// caller by the router.
//
// [YIELD, INVOCATION.Request|id, Options|dict, Arguments|list,
//     ArgumentsKw|dict]
type Yield struct {
	Request     ID
	Options     Dict
	Arguments   List `wamp:"omitempty"`
	ArgumentsKw Dict `wamp:"omitempty"`
}

func (msg *Yield) MessageType() MessageType { return YIELD }
