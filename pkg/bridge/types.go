package bridge

// FrameHandler is called for every gossipsub message on a subscribed topic.
// topic is the bus topic without namespace. Handlers should return an error
// only for undecodable input; the error is logged and other handlers still
// run.
type FrameHandler func(topic string, data []byte) error

// HandlerID identifies one Subscribe registration. The underlying gossipsub
// subscription is cancelled when the last handler for a topic is removed.
type HandlerID string
