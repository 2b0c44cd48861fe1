package kiroproxy

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Wire-format constants for the AWS event-stream framing Kiro speaks.
// total_len(u32BE) | header_len(u32BE) | prelude_crc32(u32BE) | headers |
// payload | message_crc32(u32BE). The prelude CRC covers the first 8
// bytes; the message CRC covers everything up to (not including) itself.
const (
	preludeSize    = 12
	minMessageSize = 16
	maxMessageSize = 16 * 1024 * 1024
)

type headerValueType uint8

const (
	headerBoolTrue headerValueType = iota
	headerBoolFalse
	headerByte
	headerShort
	headerInteger
	headerLong
	headerByteArray
	headerString
	headerTimestamp
	headerUUID
)

type headerValue struct {
	typ   headerValueType
	str   string
	i64   int64
	bytes []byte
}

func (h headerValue) asString() string {
	switch h.typ {
	case headerString:
		return h.str
	case headerBoolTrue:
		return "true"
	case headerBoolFalse:
		return "false"
	case headerByteArray, headerUUID:
		return string(h.bytes)
	default:
		return fmt.Sprintf("%d", h.i64)
	}
}

// frame is one decoded event-stream message: its headers and payload,
// CRC-validated but not yet interpreted.
type frame struct {
	headers map[string]headerValue
	payload []byte
}

func (f frame) headerString(name string) string {
	v, ok := f.headers[name]
	if !ok {
		return ""
	}
	return v.asString()
}

// FrameDecoder reassembles Kiro's binary event-stream frames out of a byte
// stream that may arrive in arbitrary chunks. It poisons itself
// permanently on the first CRC or structural failure: unlike the upstream
// SDK's own decoder, which tries to resynchronize by skipping bytes, a
// proxy sitting between a client and an already-established HTTP
// connection has no way to know which side desynced, so it stops rather
// than risk feeding a client corrupted output.
type FrameDecoder struct {
	buf           []byte
	poisoned      bool
	poisonErr     error
	framesDecoded int
}

// NewFrameDecoder returns a decoder ready to accept the first chunk of a
// new event-stream body.
func NewFrameDecoder() *FrameDecoder {
	return &FrameDecoder{}
}

// Poisoned reports whether a prior Decode call hit a CRC or structural
// error. Once true it never becomes false again for this decoder.
func (d *FrameDecoder) Poisoned() bool { return d.poisoned }

// FramesDecoded returns the number of frames successfully decoded so far.
func (d *FrameDecoder) FramesDecoded() int { return d.framesDecoded }

// Decode appends chunk to the internal buffer and returns the classified
// events for every complete frame now available. Once poisoned, every
// subsequent call returns the same error immediately without consuming
// chunk.
func (d *FrameDecoder) Decode(chunk []byte) ([]DecodedEvent, error) {
	if d.poisoned {
		return nil, d.poisonErr
	}
	if len(chunk) > 0 {
		d.buf = append(d.buf, chunk...)
	}

	var events []DecodedEvent
	for {
		f, n, err := d.tryExtract()
		if err != nil {
			d.poison(NewDecodeError("frame", err))
			return events, d.poisonErr
		}
		if n == 0 {
			return events, nil
		}
		d.buf = d.buf[n:]
		d.framesDecoded++

		ev, err := classifyFrame(f)
		if err != nil {
			d.poison(NewDecodeError("payload", err))
			return events, d.poisonErr
		}
		events = append(events, ev)
	}
}

func (d *FrameDecoder) poison(err error) {
	d.poisoned = true
	d.poisonErr = err
}

// tryExtract attempts to parse one frame off the head of the buffer,
// returning n==0 when the buffer doesn't yet hold a complete frame.
func (d *FrameDecoder) tryExtract() (frame, int, error) {
	if len(d.buf) < preludeSize {
		return frame{}, 0, nil
	}

	totalLen := binary.BigEndian.Uint32(d.buf[0:4])
	headerLen := binary.BigEndian.Uint32(d.buf[4:8])
	preludeCRC := binary.BigEndian.Uint32(d.buf[8:12])

	if totalLen < minMessageSize {
		return frame{}, 0, fmt.Errorf("message length %d below minimum %d", totalLen, minMessageSize)
	}
	if totalLen > maxMessageSize {
		return frame{}, 0, fmt.Errorf("message length %d exceeds maximum %d", totalLen, maxMessageSize)
	}
	if uint64(headerLen)+minMessageSize > uint64(totalLen) {
		return frame{}, 0, fmt.Errorf("header length %d incompatible with message length %d", headerLen, totalLen)
	}

	if uint32(len(d.buf)) < totalLen {
		return frame{}, 0, nil
	}

	if gotPreludeCRC := crc32.ChecksumIEEE(d.buf[0:8]); gotPreludeCRC != preludeCRC {
		return frame{}, 0, fmt.Errorf("prelude crc mismatch: got %#08x want %#08x", gotPreludeCRC, preludeCRC)
	}

	message := d.buf[:totalLen]
	messageCRC := binary.BigEndian.Uint32(message[totalLen-4:])
	if gotMessageCRC := crc32.ChecksumIEEE(message[:totalLen-4]); gotMessageCRC != messageCRC {
		return frame{}, 0, fmt.Errorf("message crc mismatch: got %#08x want %#08x", gotMessageCRC, messageCRC)
	}

	headerBytes := message[preludeSize : preludeSize+headerLen]
	payload := message[preludeSize+headerLen : totalLen-4]

	headers, err := parseHeaders(headerBytes)
	if err != nil {
		return frame{}, 0, err
	}

	return frame{headers: headers, payload: append([]byte(nil), payload...)}, int(totalLen), nil
}

// parseHeaders decodes the AWS event-stream header block: a sequence of
// name_len(u8) | name | type(u8) | value entries, where value's own
// encoding depends on type (fixed-width for the numeric/bool/timestamp/
// uuid types, u16-length-prefixed for byte-array and string).
func parseHeaders(b []byte) (map[string]headerValue, error) {
	headers := make(map[string]headerValue)
	for len(b) > 0 {
		nameLen := int(b[0])
		b = b[1:]
		if len(b) < nameLen+1 {
			return nil, fmt.Errorf("truncated header name or type tag")
		}
		name := string(b[:nameLen])
		b = b[nameLen:]
		typ := headerValueType(b[0])
		b = b[1:]

		v := headerValue{typ: typ}
		switch typ {
		case headerBoolTrue, headerBoolFalse:
			// no value bytes
		case headerByte:
			if len(b) < 1 {
				return nil, fmt.Errorf("truncated byte header %q", name)
			}
			v.i64 = int64(int8(b[0]))
			b = b[1:]
		case headerShort:
			if len(b) < 2 {
				return nil, fmt.Errorf("truncated short header %q", name)
			}
			v.i64 = int64(int16(binary.BigEndian.Uint16(b[:2])))
			b = b[2:]
		case headerInteger:
			if len(b) < 4 {
				return nil, fmt.Errorf("truncated integer header %q", name)
			}
			v.i64 = int64(int32(binary.BigEndian.Uint32(b[:4])))
			b = b[4:]
		case headerLong, headerTimestamp:
			if len(b) < 8 {
				return nil, fmt.Errorf("truncated long/timestamp header %q", name)
			}
			v.i64 = int64(binary.BigEndian.Uint64(b[:8]))
			b = b[8:]
		case headerByteArray:
			n, rest, err := takeLengthPrefixed(b, name)
			if err != nil {
				return nil, err
			}
			v.bytes = append([]byte(nil), n...)
			b = rest
		case headerString:
			n, rest, err := takeLengthPrefixed(b, name)
			if err != nil {
				return nil, err
			}
			v.str = string(n)
			b = rest
		case headerUUID:
			if len(b) < 16 {
				return nil, fmt.Errorf("truncated uuid header %q", name)
			}
			v.bytes = append([]byte(nil), b[:16]...)
			b = b[16:]
		default:
			return nil, fmt.Errorf("unknown header value type %d for header %q", typ, name)
		}

		headers[name] = v
	}
	return headers, nil
}

func takeLengthPrefixed(b []byte, name string) (value, rest []byte, err error) {
	if len(b) < 2 {
		return nil, nil, fmt.Errorf("truncated length prefix for header %q", name)
	}
	n := int(binary.BigEndian.Uint16(b[:2]))
	b = b[2:]
	if len(b) < n {
		return nil, nil, fmt.Errorf("truncated value for header %q", name)
	}
	return b[:n], b[n:], nil
}

// classifyFrame dispatches on the ":event-type"/":message-type"/
// ":exception-type" headers the same way the upstream SDK does, turning a
// validated frame into the tagged DecodedEvent the rest of the pipeline
// consumes.
func classifyFrame(f frame) (DecodedEvent, error) {
	if excType := f.headerString(":exception-type"); excType != "" {
		return decodeErrorEvent(excType, f.payload)
	}
	if mt := f.headerString(":message-type"); mt == "error" || mt == "exception" {
		return decodeErrorEvent(f.headerString(":error-code"), f.payload)
	}

	switch f.headerString(":event-type") {
	case "assistantResponseEvent":
		return decodeAssistantResponseEvent(f.payload)
	case "toolUseEvent":
		return decodeToolUseEvent(f.payload)
	case "contextUsageEvent", "usageEvent":
		return decodeContextUsageEvent(f.payload)
	case "messageMetadataEvent":
		return decodeMessageMetadataEvent(f.payload)
	case "codeReferenceEvent":
		return DecodedEvent{Kind: EventCodeReference}, nil
	default:
		return decodeAssistantResponseEvent(f.payload)
	}
}

func decodeAssistantResponseEvent(payload []byte) (DecodedEvent, error) {
	var body struct {
		Content          string `json:"content"`
		ReasoningContent string `json:"reasoningContent"`
	}
	if len(payload) > 0 {
		if err := fastUnmarshal(payload, &body); err != nil {
			return DecodedEvent{}, err
		}
	}
	if body.ReasoningContent != "" {
		return DecodedEvent{Kind: EventAssistantResponse, Text: body.ReasoningContent, IsReasoning: true}, nil
	}
	return DecodedEvent{Kind: EventAssistantResponse, Text: body.Content}, nil
}

func decodeToolUseEvent(payload []byte) (DecodedEvent, error) {
	var body struct {
		ToolUseID string `json:"toolUseId"`
		Name      string `json:"name"`
		Input     string `json:"input"`
		Stop      bool   `json:"stop"`
	}
	if err := fastUnmarshal(payload, &body); err != nil {
		return DecodedEvent{}, err
	}
	ev := DecodedEvent{
		Kind:           EventToolUse,
		ToolUseID:      body.ToolUseID,
		ToolName:       body.Name,
		ToolInputDelta: body.Input,
		ToolUseStop:    body.Stop,
	}
	if body.Stop && body.Input != "" {
		var parsed map[string]any
		if err := fastUnmarshal([]byte(body.Input), &parsed); err == nil {
			ev.ToolInput = parsed
		}
	}
	return ev, nil
}

func decodeContextUsageEvent(payload []byte) (DecodedEvent, error) {
	var body struct {
		InputTokens      int `json:"inputTokens"`
		OutputTokens     int `json:"outputTokens"`
		CacheReadTokens  int `json:"cacheReadInputTokens"`
		CacheWriteTokens int `json:"cacheWriteInputTokens"`
	}
	if err := fastUnmarshal(payload, &body); err != nil {
		return DecodedEvent{}, err
	}
	return DecodedEvent{
		Kind:             EventContextUsage,
		InputTokens:      body.InputTokens,
		OutputTokens:     body.OutputTokens,
		CacheReadTokens:  body.CacheReadTokens,
		CacheWriteTokens: body.CacheWriteTokens,
	}, nil
}

func decodeMessageMetadataEvent(payload []byte) (DecodedEvent, error) {
	var body struct {
		ConversationID string `json:"conversationId"`
	}
	if err := fastUnmarshal(payload, &body); err != nil {
		return DecodedEvent{}, err
	}
	return DecodedEvent{Kind: EventMessageMetadata, ConversationID: body.ConversationID}, nil
}

func decodeErrorEvent(reason string, payload []byte) (DecodedEvent, error) {
	var body struct {
		Message string `json:"message"`
		Reason  string `json:"reason"`
	}
	_ = fastUnmarshal(payload, &body)
	if reason == "" {
		reason = body.Reason
	}
	return DecodedEvent{Kind: EventError, ErrorReason: reason, ErrorMessage: body.Message}, nil
}
