package msgs

// AddTwoIntsRequest asks for the sum of two integers.
type AddTwoIntsRequest struct {
	A int64 `cbor:"a"`
	B int64 `cbor:"b"`
}

// AddTwoIntsResponse carries the sum.
type AddTwoIntsResponse struct {
	Sum int64 `cbor:"sum"`
}

// TriggerRequest fires a side effect with no arguments.
type TriggerRequest struct{}

// TriggerResponse reports whether the trigger succeeded.
type TriggerResponse struct {
	Success bool   `cbor:"success"`
	Message string `cbor:"message"`
}
