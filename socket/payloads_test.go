package socket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnnouncement_SentAtOnlyWhenStamped(t *testing.T) {
	frame, err := Encode(EventAdminAnnouncement, Announcement{Type: AnnouncementInfo, Message: "hello"})
	require.NoError(t, err)
	assert.NotContains(t, string(frame), "sentAt")

	stamped := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	frame, err = Encode(EventAnnouncement, Announcement{Type: AnnouncementInfo, Message: "hello", SentAt: stamped})
	require.NoError(t, err)
	assert.Contains(t, string(frame), `"sentAt":"2024-05-01T12:00:00Z"`)
}
