package domain

import (
	"fmt"
	"strings"
)

// SentinelUsername is the reserved participant that stands in for the bot's own
// turns in the durable chat log.
const SentinelUsername = "assistant"

// Participant is a chat platform user as known to the relay.
// Optional fields are empty when unknown.
type Participant struct {
	ID          int64
	Username    string
	DisplayName string
	Nickname    string
	Pronouns    string
	Age         string
	Likes       string
	Dislikes    string
}

// ProfileUpdate carries the fields extracted by the model. A nil field means
// "no change".
type ProfileUpdate struct {
	Nickname *string `json:"nickname,omitempty"`
	Pronouns *string `json:"pronouns,omitempty"`
	Age      *string `json:"age,omitempty"`
	Likes    *string `json:"likes,omitempty"`
	Dislikes *string `json:"dislikes,omitempty"`
}

// Sentinel returns the synthetic participant representing the bot.
func Sentinel() Participant {
	return Participant{Username: SentinelUsername, DisplayName: SentinelUsername}
}

// IsSentinel reports whether p is the bot's own participant row.
func (p Participant) IsSentinel() bool {
	return p.Username == SentinelUsername
}

// Name returns the label used when attributing messages: nickname, then
// display name, then username.
func (p Participant) Name() string {
	for _, s := range []string{p.Nickname, p.DisplayName, p.Username} {
		if v := strings.TrimSpace(s); v != "" {
			return v
		}
	}
	return "someone"
}

// HasDetails reports whether any optional profile field is populated.
func (p Participant) HasDetails() bool {
	return p.Nickname != "" || p.Pronouns != "" || p.Age != "" || p.Likes != "" || p.Dislikes != ""
}

// Describe renders the known optional fields as a single sentence for the
// model. It returns "" when nothing is known.
func (p Participant) Describe() string {
	if !p.HasDetails() {
		return ""
	}
	parts := make([]string, 0, 5)
	if p.Nickname != "" {
		parts = append(parts, fmt.Sprintf("goes by %q", p.Nickname))
	}
	if p.Age != "" {
		parts = append(parts, "is "+p.Age+" years old")
	}
	if p.Pronouns != "" {
		parts = append(parts, "uses the pronouns "+p.Pronouns)
	}
	if p.Likes != "" {
		parts = append(parts, "likes "+p.Likes)
	}
	if p.Dislikes != "" {
		parts = append(parts, "dislikes "+p.Dislikes)
	}
	who := p.DisplayName
	if who == "" {
		who = p.Username
	}
	return fmt.Sprintf("Known details about %s: %s.", who, strings.Join(parts, "; "))
}

// IsEmpty reports whether the update would change nothing.
func (u ProfileUpdate) IsEmpty() bool {
	return u.Nickname == nil && u.Pronouns == nil && u.Age == nil && u.Likes == nil && u.Dislikes == nil
}

// Merge applies u to p. Scalars are replaced, likes and dislikes are appended.
// Identity fields are never touched.
func Merge(p Participant, u ProfileUpdate) Participant {
	if v, ok := scalar(u.Nickname); ok {
		p.Nickname = v
	}
	if v, ok := scalar(u.Pronouns); ok {
		p.Pronouns = v
	}
	if v, ok := scalar(u.Age); ok {
		p.Age = v
	}
	if u.Likes != nil {
		p.Likes = appendList(p.Likes, *u.Likes)
	}
	if u.Dislikes != nil {
		p.Dislikes = appendList(p.Dislikes, *u.Dislikes)
	}
	return p
}

func scalar(v *string) (string, bool) {
	if v == nil {
		return "", false
	}
	s := strings.TrimSpace(*v)
	if s == "" {
		return "", false
	}
	return s, true
}

func appendList(existing, add string) string {
	add = strings.TrimSpace(add)
	if add == "" {
		return existing
	}
	if strings.TrimSpace(existing) == "" {
		return add
	}
	return existing + ", " + add
}
