package webchat

import (
	"bytes"
	"regexp"

	"github.com/felipepmaragno/gemini-gateway/internal/upstream"
	"github.com/tidwall/gjson"
)

var accessTokenRe = regexp.MustCompile(`"SNlM0e":"(.*?)"`)

func extractAccessToken(page []byte) (string, bool) {
	m := accessTokenRe.FindSubmatch(page)
	if m == nil || len(m[1]) == 0 {
		return "", false
	}
	return string(m[1]), true
}

const (
	errCodeUsageLimit         = 1037
	errCodeModelInconsistent  = 1050
	errCodeModelHeaderInvalid = 1052
	errCodeIPBlocked          = 1060
)

type parsedReply struct {
	reply    upstream.Reply
	metadata []string
	rcid     string
}

// parseReply decodes a StreamGenerate response. The payload is the third line
// of the body: an array of frames, one of which holds the reply as a JSON
// string at index 2.
func parseReply(body []byte) (*parsedReply, error) {
	lines := bytes.Split(body, []byte("\n"))
	if len(lines) < 3 || !gjson.ValidBytes(lines[2]) {
		return nil, upstream.Errorf(upstream.KindProtocol, "invalid response data received")
	}
	frames := gjson.ParseBytes(lines[2])

	var reply gjson.Result
	for _, frame := range frames.Array() {
		inner := frame.Get("2")
		if inner.Type != gjson.String || !gjson.Valid(inner.Str) {
			continue
		}
		candidate := gjson.Parse(inner.Str)
		if candidate.Get("4").Exists() {
			reply = candidate
			break
		}
	}

	if !reply.Exists() {
		return nil, classifyErrorFrame(frames)
	}

	candidate := reply.Get("4.0")
	out := &parsedReply{
		reply: upstream.Reply{Text: candidate.Get("1.0").String()},
		rcid:  candidate.Get("0").String(),
	}
	for _, v := range reply.Get("1").Array() {
		out.metadata = append(out.metadata, v.String())
	}
	for _, img := range candidate.Get("12.1").Array() {
		url := img.Get("0.0.0").String()
		if url == "" {
			continue
		}
		out.reply.Images = append(out.reply.Images, upstream.Image{
			URL:   url,
			Title: img.Get("7.0").String(),
			Alt:   img.Get("0.4").String(),
		})
	}
	return out, nil
}

func classifyErrorFrame(frames gjson.Result) error {
	code := frames.Get("0.5.2.0.1.0")
	if !code.Exists() {
		return upstream.Errorf(upstream.KindProtocol, "invalid response data received")
	}

	switch code.Int() {
	case errCodeUsageLimit:
		return upstream.Errorf(upstream.KindUsageLimit, "usage limit of the selected model exceeded, try another model")
	case errCodeModelInconsistent:
		return upstream.Errorf(upstream.KindModelInvalid, "selected model is inconsistent or unavailable")
	case errCodeModelHeaderInvalid:
		return upstream.Errorf(upstream.KindModelInvalid, "selected model is not available")
	case errCodeIPBlocked:
		return upstream.Errorf(upstream.KindTemporarilyBlocked, "IP temporarily blocked by the upstream")
	default:
		return upstream.Errorf(upstream.KindGeneric, "unknown error code %d", code.Int())
	}
}
