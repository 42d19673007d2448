package common

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Response struct {
	Payload interface{} `json:"payload,omitempty"`
	Err     *Error      `json:"error,omitempty"`
}
