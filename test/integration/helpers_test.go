package integration

import "github.com/Tyrowin/grouprelay/internal/store"

func storeMessage(sender, text, group string) store.Message {
	return store.Message{ConnectionID: "external", Sender: sender, Text: text, Group: group}
}
