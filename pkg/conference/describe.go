package conference

import (
	"github.com/videobridge/bridge-server/pkg/conference/types"
)

// DescribeShallow fills in only the conference's identity.
func (c *Conference) DescribeShallow(d *types.ConferenceDescription) {
	d.ID = c.ID()
}

// DescribeDeep adds the recording state and every content's channels on top of
// the shallow description. Transports are described separately, see
// DescribeChannelBundles.
func (c *Conference) DescribeDeep(d *types.ConferenceDescription) {
	c.DescribeShallow(d)

	if c.IsRecording() {
		d.Recording = &types.RecordingDescription{
			Enabled: true,
			Path:    c.RecordingPath(),
		}
	}

	for _, content := range c.Contents() {
		cd := d.GetOrCreateContent(content.Name())
		for _, channel := range content.Channels() {
			chd := &types.ChannelDescription{}
			channel.Describe(chd)
			cd.Channels = append(cd.Channels, chd)
		}
	}
}

// DescribeChannelBundles adds every transport bundle to the description.
func (c *Conference) DescribeChannelBundles(d *types.ConferenceDescription) {
	c.bundles.Describe(d)
}
