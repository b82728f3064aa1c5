package bus

import "encoding/json"

// DltEnvelope is what gets published to a `<topic>.dlt` topic: the
// original, un-decoded payload plus enough provenance for C9 to persist a
// DltRecord without re-parsing the business event, and for redrive to
// reconstruct the exact bytes that failed.
type DltEnvelope struct {
	OriginalTopic     string `json:"originalTopic"`
	OriginalPartition int32  `json:"originalPartition"`
	OriginalOffset    int64  `json:"originalOffset"`
	ExceptionMessage  string `json:"exceptionMessage"`
	Payload           []byte `json:"payload"`
}

func EncodeDltEnvelope(e DltEnvelope) ([]byte, error) {
	return json.Marshal(e)
}

func DecodeDltEnvelope(payload []byte) (DltEnvelope, error) {
	var e DltEnvelope
	err := json.Unmarshal(payload, &e)
	return e, err
}
