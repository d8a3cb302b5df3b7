package domain

// CampaignStatus enumerates the lifecycle states of a campaign that targets a
// segment. The engine only reads campaigns to decide whether a segment is
// still referenced.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignSending   CampaignStatus = "sending"
	CampaignPaused    CampaignStatus = "paused"
	CampaignSent      CampaignStatus = "sent"
	CampaignFailed    CampaignStatus = "failed"
	CampaignCancelled CampaignStatus = "cancelled"
)

// IsTerminal returns true if a campaign in this state no longer needs its segment.
func (s CampaignStatus) IsTerminal() bool {
	return s == CampaignSent || s == CampaignFailed || s == CampaignCancelled
}

// TerminalCampaignStatuses lists the states that release a segment reference.
func TerminalCampaignStatuses() []string {
	return []string{string(CampaignSent), string(CampaignFailed), string(CampaignCancelled)}
}
