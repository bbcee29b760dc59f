package utils

import (
	"github.com/lithammer/shortuuid/v3"
)

const (
	ConferencePrefix = "CF-"
	EndpointPrefix   = "EP-"
	ChannelPrefix    = "CH-"
	BundlePrefix     = "TB-"
	RecordingPrefix  = "RC-"
)

func NewGuid(prefix string) string {
	return prefix + shortuuid.New()
}
