package types

// Description documents are the conference's external state snapshot. The
// signaling layer owns their serialization; the conference only fills them in.

type ConferenceDescription struct {
	ID             string                      `json:"id"`
	Recording      *RecordingDescription       `json:"recording,omitempty"`
	Contents       []*ContentDescription       `json:"contents,omitempty"`
	ChannelBundles []*ChannelBundleDescription `json:"channelBundles,omitempty"`
}

type RecordingDescription struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type ContentDescription struct {
	Name     string                `json:"name"`
	Channels []*ChannelDescription `json:"channels,omitempty"`
}

type ChannelDescription struct {
	ID         string                  `json:"id"`
	Endpoint   string                  `json:"endpoint,omitempty"`
	SSRCs      []uint32                `json:"ssrcs,omitempty"`
	SSRCGroups []*SSRCGroupDescription `json:"ssrcGroups,omitempty"`
}

type SSRCGroupDescription struct {
	Semantics string   `json:"semantics"`
	SSRCs     []uint32 `json:"ssrcs"`
}

type ChannelBundleDescription struct {
	ID        string                `json:"id"`
	Transport *TransportDescription `json:"transport,omitempty"`
}

type TransportDescription struct {
	Ufrag      string   `json:"ufrag,omitempty"`
	Pwd        string   `json:"pwd,omitempty"`
	Candidates []string `json:"candidates,omitempty"`
}

// GetOrCreateContent returns the named content description, adding it if the
// document does not carry one yet.
func (d *ConferenceDescription) GetOrCreateContent(name string) *ContentDescription {
	for _, c := range d.Contents {
		if c.Name == name {
			return c
		}
	}
	c := &ContentDescription{Name: name}
	d.Contents = append(d.Contents, c)
	return c
}
