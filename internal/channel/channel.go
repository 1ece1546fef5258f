// Package channel names the broker channels and decides what a live session
// does with each event it receives on them.
package channel

import (
	"strconv"
	"strings"
)

const (
	userPrefix = "user:"
	chatPrefix = "chat:"
)

// User is the private channel of one user. Messages addressed to the user and
// membership notifications are published here.
func User(userID int) string {
	return userPrefix + strconv.Itoa(userID)
}

// Chat is the broadcast channel of one conversation.
func Chat(conversationID int) string {
	return chatPrefix + strconv.Itoa(conversationID)
}

// IsChat reports whether name belongs to the conversation channel class.
func IsChat(name string) bool {
	return strings.HasPrefix(name, chatPrefix)
}

// ParseChat extracts the conversation id from a chat channel name.
func ParseChat(name string) (int, bool) {
	if !IsChat(name) {
		return 0, false
	}
	id, err := strconv.Atoi(strings.TrimPrefix(name, chatPrefix))
	if err != nil {
		return 0, false
	}
	return id, true
}

// ForSession returns the channels a user's session must hold: its own user
// channel followed by one chat channel per conversation.
func ForSession(userID int, conversationIDs []int) []string {
	names := make([]string, 0, len(conversationIDs)+1)
	names = append(names, User(userID))
	for _, id := range conversationIDs {
		names = append(names, Chat(id))
	}
	return names
}
