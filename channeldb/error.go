package channeldb

import "fmt"

var (
	ErrNoDBExists = fmt.Errorf("channel db has not yet been created")

	ErrFriendNotFound      = fmt.Errorf("friend not found")
	ErrFriendAlreadyExists = fmt.Errorf("friend already exists")
	ErrNoChannelState      = fmt.Errorf("friend has no channel state")

	ErrMetaNotFound = fmt.Errorf("unable to locate meta information")
)
