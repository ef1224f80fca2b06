package models

import "time"

// Post is the durable record of one book listing and its current channel publication.
type Post struct {
	ID        int64 `bson:"_id" json:"id"`
	UserID    int64 `bson:"user_id" json:"user_id"`
	MessageID int   `bson:"message_id" json:"message_id"`
	// TextContent holds the eight canonical caption fields joined by newlines.
	TextContent string   `bson:"text_content" json:"text_content"`
	FileIDs     []string `bson:"file_ids" json:"file_ids"`
	// ChannelMessageIDs are the ids of the live channel messages, in media order.
	// Empty until the first publish succeeds.
	ChannelMessageIDs []int      `bson:"channel_message_ids" json:"channel_message_ids"`
	CreatedAt         time.Time  `bson:"created_at" json:"created_at"`
	RepostCount       int        `bson:"repost_count" json:"repost_count"`
	LastRepost        *time.Time `bson:"last_repost,omitempty" json:"last_repost,omitempty"`
}

// Published reports whether the post has live channel messages.
func (p *Post) Published() bool {
	return len(p.ChannelMessageIDs) > 0
}

// Age returns how long ago the post was created.
func (p *Post) Age(now time.Time) time.Duration {
	return now.Sub(p.CreatedAt)
}
