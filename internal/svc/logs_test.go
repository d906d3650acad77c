package svc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceLogPath(t *testing.T) {
	assert.Equal(t, "/var/log/drivesync-service.log", serviceLogPathFor("linux", "drivesync"))
	assert.Equal(t, "/var/log/drivesync-service.log", serviceLogPathFor("darwin", ""))
	assert.Contains(t, serviceLogPathFor("windows", "drivesync"), "drivesync-service.log")
}

func TestTailCommand(t *testing.T) {
	name, args := tailCommandFor("linux", "/var/log/drivesync-service.log", LogOptions{Lines: 20})
	assert.Equal(t, "tail", name)
	assert.Equal(t, []string{"-n", "20", "/var/log/drivesync-service.log"}, args)

	name, args = tailCommandFor("linux", "/var/log/drivesync-service.log", LogOptions{Lines: 20, Follow: true})
	assert.Equal(t, "tail", name)
	assert.Contains(t, args, "-f")

	name, args = tailCommandFor("windows", `C:\logs\drivesync-service.log`, LogOptions{Lines: 20, Follow: true})
	assert.Equal(t, "powershell", name)
	require.Len(t, args, 3)
	assert.Contains(t, args[2], "-Tail 20")
	assert.Contains(t, args[2], "-Wait")
}

func TestJournalCommand(t *testing.T) {
	name, args := journalCommand(LogOptions{ServiceName: "drivesync", Lines: 50})
	assert.Equal(t, "journalctl", name)
	assert.Equal(t, []string{"-u", "drivesync", "-n", "50", "--no-pager"}, args)

	_, args = journalCommand(LogOptions{ServiceName: "drivesync", Lines: 50, Follow: true})
	assert.Equal(t, "-f", args[len(args)-1])
}
