package forumsync

import "fmt"

// Users maps chat user ids to tracker logins.
type Users map[string]string

// Attribution is how the author of a chat message is named in the tracker:
// the mapped login as a mention if there is one, else the chat display name.
func (u Users) Attribution(author ChatUser) string {
	if login, ok := u[author.ID]; ok && login != "" {
		return "@" + login
	}
	if author.Name != "" {
		return author.Name
	}
	return "Unknown"
}

func (u Users) commentBody(msg *Message) string {
	return fmt.Sprintf("%s — %s", u.Attribution(msg.Author), msg.Content)
}
