package http

import "fmt"

type CreateFileUploadRequest struct {
	BlobName string `json:"blobName"`
}

type CreateFileUploadResponse struct {
	CorrelationID string `json:"correlationId"`
	HostName      string `json:"hostName"`
	ContainerName string `json:"containerName"`
	BlobName      string `json:"blobName"`
	SASToken      string `json:"sasToken"`
}

func (r *CreateFileUploadResponse) SASURI() string {
	return fmt.Sprintf("https://%s/%s/%s%s", r.HostName, r.ContainerName, r.BlobName, r.SASToken)
}

type NotifyFileUploadRequest struct {
	CorrelationID     string `json:"correlationId"`
	IsSuccess         bool   `json:"isSuccess"`
	StatusCode        int    `json:"statusCode"`
	StatusDescription string `json:"statusDescription"`
}

type methodRequest struct {
	MethodName      string  `json:"methodName"`
	Payload         rawJSON `json:"payload"`
	ConnectTimeout  int     `json:"connectTimeoutInSeconds,omitempty"`
	ResponseTimeout int     `json:"responseTimeoutInSeconds,omitempty"`
}

type methodResponse struct {
	Status  int     `json:"status"`
	Payload rawJSON `json:"payload"`
}

// rawJSON is json.RawMessage that encodes nil as null.
type rawJSON []byte

func (r rawJSON) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

func (r *rawJSON) UnmarshalJSON(b []byte) error {
	*r = append((*r)[:0], b...)
	return nil
}
