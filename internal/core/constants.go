package core

import "fmt"

const (
	MaintainerLink    = "https://github.com/dorcha-inc/toolhost/blob/main/MAINTAINERS.md"
	BugReportTemplate = "\n\n[NOTE]This is most likely a bug in toolhost, please reach out to the maintainers at %s"
)

func BugReportMessage() string {
	return fmt.Sprintf(BugReportTemplate, MaintainerLink)
}

const (
	GOOSDarwin  = "darwin"
	GOOSLinux   = "linux"
	GOOSWindows = "windows"
)

// EnvPrefix is the prefix accepted on every toolhost environment variable
const EnvPrefix = "TOOLHOST"

// Environment variables injected into every backend process
const (
	EnvToolID    = "TOOL_ID"
	EnvChannelID = "CHANNEL_ID"
)
