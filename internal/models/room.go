package models

// SessionInfo is the public view of a session served by GET /api/sessions/:code.
type SessionInfo struct {
	Code  string `json:"code"`
	Count int    `json:"count"`
	// MirrorCount is the member count seen in Redis across relay instances.
	MirrorCount *int `json:"mirrorCount,omitempty"`
}

// EvictResponse is returned after an operator closes a session.
type EvictResponse struct {
	Code    string `json:"code"`
	Evicted int    `json:"evicted"`
}
