package bot

import (
	"strings"
	"time"

	"bookbot/internal/mediagroups"

	"github.com/mymmrac/telego"
)

// commandName extracts "start" from "/start@bookbot args".
func commandName(text string) (string, bool) {
	if !strings.HasPrefix(text, "/") || len(text) < 2 {
		return "", false
	}
	name := strings.Fields(text[1:])
	if len(name) == 0 {
		return "", false
	}
	cmd, _, _ := strings.Cut(name[0], "@")
	if cmd == "" {
		return "", false
	}
	return strings.ToLower(cmd), true
}

// largestPhoto picks the biggest rendition Telegram sent.
func largestPhoto(sizes []telego.PhotoSize) (telego.PhotoSize, bool) {
	if len(sizes) == 0 {
		return telego.PhotoSize{}, false
	}
	best := sizes[0]
	for _, p := range sizes[1:] {
		if p.FileSize > best.FileSize || (p.FileSize == best.FileSize && p.Width*p.Height > best.Width*best.Height) {
			best = p
		}
	}
	return best, true
}

// fragmentFromMessage converts a photo message into a fragment.
func fragmentFromMessage(message telego.Message) (mediagroups.Fragment, bool) {
	photo, ok := largestPhoto(message.Photo)
	if !ok || message.From == nil {
		return mediagroups.Fragment{}, false
	}
	arrived := time.Now()
	if message.Date > 0 {
		arrived = time.Unix(int64(message.Date), 0)
	}
	return mediagroups.Fragment{
		MessageID: message.MessageID,
		MediaRef:  photo.FileID,
		Caption:   message.Caption,
		OwnerID:   message.From.ID,
		ChatID:    message.Chat.ID,
		ArrivedAt: arrived,
	}, true
}
