package types

// VerifyResponse is returned by POST /verify.
type VerifyResponse struct {
	Amount       string `json:"amount"`
	SPSPEndpoint string `json:"spspEndpoint"`
	ID           string `json:"id,omitempty"`
}

// ReceiptResponse is returned by POST /receipts.
type ReceiptResponse struct {
	Nonce         string `json:"nonce"`
	StreamID      string `json:"streamId"`
	TotalReceived string `json:"totalReceived"`
}

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error string `json:"error"`
}
