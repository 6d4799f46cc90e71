package models

// Delta is one incremental fragment of an assistant message's text,
// visible to readers before the message is finalized. GenerationID is
// the id of the assistant message being produced.
type Delta struct {
	GenerationID int64  `json:"generation_id"`
	Sequence     int    `json:"sequence"`
	Fragment     string `json:"fragment"`
}
