package network

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bluechat/models"
)

func TestEncodeMessage(t *testing.T) {
	tests := map[string]struct {
		message models.ChatMessage
		want    string
	}{
		"text": {
			message: models.ChatMessage{SenderLabel: "Pixel", Body: "hello"},
			want:    "Pixel#hello",
		},
		"text with hash in body": {
			message: models.ChatMessage{SenderLabel: "Pixel", Body: "#1 fan"},
			want:    "Pixel##1 fan",
		},
		"hash in sender": {
			message: models.ChatMessage{SenderLabel: "Room#2", Body: "hi"},
			want:    "Room_2#hi",
		},
		"file prefix in text sender": {
			message: models.ChatMessage{SenderLabel: "FILE:a:b", Body: "hi"},
			want:    "FILE_a:b#hi",
		},
		"file": {
			message: models.ChatMessage{SenderLabel: "Pixel", IsFile: true, FileName: "a.txt", Body: "AAAA"},
			want:    "FILE:Pixel:a.txt:AAAA",
		},
		"file with colons": {
			message: models.ChatMessage{SenderLabel: "AA:BB", IsFile: true, FileName: "c:d.txt", Body: "AAAA"},
			want:    "FILE:AA_BB:c_d.txt:AAAA",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, string(EncodeMessage(tc.message)))
		})
	}
}

func TestDecodeMessage(t *testing.T) {
	tests := map[string]struct {
		payload string
		want    models.ChatMessage
	}{
		"text": {
			payload: "Pixel#hello",
			want:    models.ChatMessage{SenderLabel: "Pixel", Body: "hello"},
		},
		"body keeps later hashes": {
			payload: "Pixel#a#b",
			want:    models.ChatMessage{SenderLabel: "Pixel", Body: "a#b"},
		},
		"no separator": {
			payload: "just text",
			want:    models.ChatMessage{Body: "just text"},
		},
		"empty body": {
			payload: "Pixel#",
			want:    models.ChatMessage{SenderLabel: "Pixel"},
		},
		"file": {
			payload: "FILE:Pixel:a.txt:AAAA",
			want:    models.ChatMessage{SenderLabel: "Pixel", IsFile: true, FileName: "a.txt", Body: "AAAA", FileSizeBytes: 3},
		},
		"legacy file": {
			payload: "FILE:a.txt:AAAA",
			want:    models.ChatMessage{IsFile: true, FileName: "a.txt", Body: "AAAA", FileSizeBytes: 3},
		},
		"malformed file falls back to text": {
			payload: "FILE:nothing",
			want:    models.ChatMessage{Body: "FILE:nothing"},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, DecodeMessage([]byte(tc.payload), false))
		})
	}
}

func TestDecodeMarksOrigin(t *testing.T) {
	message := DecodeMessage([]byte("me#hi"), true)
	assert.True(t, message.OriginatedLocally)
}

func TestCodecRoundTrip(t *testing.T) {
	messages := []models.ChatMessage{
		{SenderLabel: "Pixel 7", Body: "hello"},
		{SenderLabel: "Pixel 7", Body: "tag #go and #chat"},
		{SenderLabel: "", Body: "anonymous"},
		{SenderLabel: "Pixel", IsFile: true, FileName: "notes.txt", Body: "aGVsbG8=", FileSizeBytes: 5},
	}

	for _, message := range messages {
		got := DecodeMessage(EncodeMessage(message), false)
		assert.Equal(t, message, got)
	}
}

func TestTextSenderLookingLikeFileStaysText(t *testing.T) {
	got := DecodeMessage(EncodeMessage(models.ChatMessage{SenderLabel: "FILE:a:b", Body: "not a file"}), false)

	assert.False(t, got.IsFile)
	assert.Equal(t, "FILE_a:b", got.SenderLabel)
	assert.Equal(t, "not a file", got.Body)
}

func TestMaxFileBytesFitsOneFrame(t *testing.T) {
	cipher := testCipher(t)

	sealedFileSize := func(sender, name string, size int) int {
		message := models.ChatMessage{
			SenderLabel: sender,
			IsFile:      true,
			FileName:    name,
			Body:        base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, size)),
		}
		sealed, err := cipher.Encrypt(EncodeMessage(message))
		require.NoError(t, err)
		return len(sealed)
	}

	for _, maxFrame := range []int{256, 1000, 64 * 1024} {
		limit := MaxFileBytes(maxFrame, "Pixel 7", "holiday.jpg")
		require.Positive(t, limit)
		assert.LessOrEqual(t, sealedFileSize("Pixel 7", "holiday.jpg", limit), maxFrame)
	}

	// "FILE:Me:a.txt:" leaves 705 of the 719 plaintext bytes a 1000-byte frame holds.
	limit := MaxFileBytes(1000, "Me", "a.txt")
	assert.Equal(t, 528, limit)
	assert.Greater(t, sealedFileSize("Me", "a.txt", limit+3), 1000)

	assert.Zero(t, MaxFileBytes(32, "Me", "a.txt"))
}
