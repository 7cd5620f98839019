package iotservice

import (
	"bytes"
	"net/http"
	"net/http/httputil"
)

// requestOutDump and responseDump are formatted only when debug logging is on.
type requestOutDump struct {
	req *http.Request
}

func (r *requestOutDump) String() string {
	b, err := httputil.DumpRequestOut(r.req, true)
	if err != nil {
		return "> dump error: " + err.Error()
	}
	return prefix(redactAuthorization(b), "> ")
}

type responseDump struct {
	res *http.Response
}

func (r *responseDump) String() string {
	b, err := httputil.DumpResponse(r.res, true)
	if err != nil {
		return "< dump error: " + err.Error()
	}
	return prefix(b, "< ")
}

var authorizationHeader = []byte("Authorization: ")

// redactAuthorization hides the token value, signatures must not end up in logs.
func redactAuthorization(b []byte) []byte {
	i := bytes.Index(b, authorizationHeader)
	if i < 0 {
		return b
	}
	i += len(authorizationHeader)
	j := bytes.IndexByte(b[i:], '\r')
	if j < 0 {
		j = bytes.IndexByte(b[i:], '\n')
	}
	if j < 0 {
		j = len(b) - i
	}
	out := make([]byte, 0, len(b))
	out = append(out, b[:i]...)
	out = append(out, "<redacted>"...)
	return append(out, b[i+j:]...)
}

func prefix(b []byte, prefix string) string {
	off := 0
	buf := bytes.NewBuffer(make([]byte, 0,
		len(b)+(bytes.Count(b, []byte{'\n'})*len(prefix)+len(prefix))),
	)
	buf.WriteString(prefix)
	for {
		i := bytes.Index(b[off:], []byte{'\n'})
		if i < 0 {
			buf.Write(b[off:])
			break
		}
		buf.Write(b[off : off+i+1])
		buf.WriteString(prefix)
		off += i + 1
	}
	return buf.String()
}
