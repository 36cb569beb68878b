package core

// Button is a single inline keyboard button. Either Data (callback payload)
// or Url is set, never both.
type Button struct {
	Label string
	Data  string
	Url   string
}

// Delivery is an outbound instruction for the chat transport. Photos are
// sent as separate photo messages, each with the Caption pattern applied.
type Delivery struct {
	Text    string
	Photos  []string
	Buttons [][]Button
}

// Deliverer sends a message to a user. Fire-and-forget: the core never
// waits for delivery confirmation.
type Deliverer interface {
	Deliver(userId int64, d Delivery)
}
