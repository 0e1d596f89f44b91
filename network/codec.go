package network

import (
	"encoding/base64"
	"strings"

	"bluechat/crypto"
	"bluechat/models"
)

const (
	filePrefix     = "FILE:"
	textSeparator  = "#"
	fieldSeparator = ":"
)

// EncodeMessage serializes a chat message to its plaintext transport form:
//
//	text: <senderLabel>#<body>
//	file: FILE:<senderLabel>:<fileName>:<base64Payload>
//
// Separator characters inside the sender label are replaced so the structural
// split on decode stays unambiguous. A text sender label starting with FILE:
// is rewritten to FILE_ so the receiver never mistakes it for a file.
func EncodeMessage(message models.ChatMessage) []byte {
	if message.IsFile {
		sender := strings.ReplaceAll(message.SenderLabel, fieldSeparator, "_")
		name := strings.ReplaceAll(message.FileName, fieldSeparator, "_")
		return []byte(filePrefix + sender + fieldSeparator + name + fieldSeparator + message.Body)
	}

	sender := strings.ReplaceAll(message.SenderLabel, textSeparator, "_")
	if rest, ok := strings.CutPrefix(sender, filePrefix); ok {
		sender = "FILE_" + rest
	}
	return []byte(sender + textSeparator + message.Body)
}

// MaxFileBytes returns the largest file payload that, sent by sender under
// fileName, still fits one frame of maxFrameBytes once base64-encoded, framed
// as a file message and encrypted.
func MaxFileBytes(maxFrameBytes int, sender, fileName string) int {
	header := len(EncodeMessage(models.ChatMessage{IsFile: true, SenderLabel: sender, FileName: fileName}))
	room := crypto.MaxPlaintextLen(maxFrameBytes) - header
	if room < 4 {
		return 0
	}
	return room / 4 * 3
}

// DecodeMessage parses a plaintext transport payload.
//
// Text payloads split on the first '#' rather than the last one older peers
// used. EncodeMessage never leaves '#' in the label, so a body containing '#'
// comes through whole where a last-'#' split would cut it. A payload
// without any '#' is treated as a body with no sender. File payloads accept both
// FILE:<sender>:<name>:<base64> and the older FILE:<name>:<base64>.
func DecodeMessage(payload []byte, originatedLocally bool) models.ChatMessage {
	raw := string(payload)

	if message, ok := decodeFileMessage(raw); ok {
		message.OriginatedLocally = originatedLocally
		return message
	}

	sender, body, found := strings.Cut(raw, textSeparator)
	if !found {
		return models.ChatMessage{
			Body:              raw,
			OriginatedLocally: originatedLocally,
		}
	}
	return models.ChatMessage{
		Body:              body,
		SenderLabel:       sender,
		OriginatedLocally: originatedLocally,
	}
}

func decodeFileMessage(raw string) (models.ChatMessage, bool) {
	rest, ok := strings.CutPrefix(raw, filePrefix)
	if !ok {
		return models.ChatMessage{}, false
	}

	var sender, name, data string
	switch parts := strings.SplitN(rest, fieldSeparator, 3); len(parts) {
	case 3:
		sender, name, data = parts[0], parts[1], parts[2]
	case 2:
		name, data = parts[0], parts[1]
	default:
		return models.ChatMessage{}, false
	}
	if name == "" {
		return models.ChatMessage{}, false
	}

	message := models.ChatMessage{
		Body:        data,
		SenderLabel: sender,
		IsFile:      true,
		FileName:    name,
	}
	if decoded, err := base64.StdEncoding.DecodeString(data); err == nil {
		message.FileSizeBytes = uint64(len(decoded))
	}
	return message, true
}
