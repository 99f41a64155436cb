package engine

// ChangeSet is the compensation ledger of one top-level operation. It is
// not safe for concurrent use and must never be shared between operations.
type ChangeSet struct {
	newlyInstalled []string
	upgradeOrder   []string
	upgradedFrom   map[string]string
	upgradedOn     map[string]string
}

// UpgradeEntry is a plugin upgraded during the operation, with the version
// it had and the node it ran on before the first change.
type UpgradeEntry struct {
	PluginID        string
	PreviousVersion string
	NodeID          string
}

// NewChangeSet returns an empty change set.
func NewChangeSet() *ChangeSet {
	return &ChangeSet{
		upgradedFrom: make(map[string]string),
		upgradedOn:   make(map[string]string),
	}
}

// RecordInstall appends pluginID to the newly installed list.
func (c *ChangeSet) RecordInstall(pluginID string) {
	c.newlyInstalled = append(c.newlyInstalled, pluginID)
}

// RecordUpgrade remembers the version pluginID had before it was first
// changed in this operation. Later calls for the same plugin are ignored;
// the return value reports whether this call was recorded.
func (c *ChangeSet) RecordUpgrade(pluginID, previousVersion string) bool {
	return c.RecordUpgradeOn(pluginID, previousVersion, "")
}

// RecordUpgradeOn is RecordUpgrade for a plugin installed on nodeID, where
// a rollback must put the previous version back.
func (c *ChangeSet) RecordUpgradeOn(pluginID, previousVersion, nodeID string) bool {
	if _, ok := c.upgradedFrom[pluginID]; ok {
		return false
	}
	c.upgradedFrom[pluginID] = previousVersion
	c.upgradedOn[pluginID] = nodeID
	c.upgradeOrder = append(c.upgradeOrder, pluginID)
	return true
}

// NewlyInstalled returns installed plugin IDs in install order.
func (c *ChangeSet) NewlyInstalled() []string {
	return append([]string(nil), c.newlyInstalled...)
}

// UpgradedBeforeVersion returns upgrade entries in insertion order.
func (c *ChangeSet) UpgradedBeforeVersion() []UpgradeEntry {
	entries := make([]UpgradeEntry, 0, len(c.upgradeOrder))
	for _, id := range c.upgradeOrder {
		entries = append(entries, UpgradeEntry{PluginID: id, PreviousVersion: c.upgradedFrom[id], NodeID: c.upgradedOn[id]})
	}
	return entries
}

// PreviousVersion returns the pre-operation version of an upgraded plugin.
func (c *ChangeSet) PreviousVersion(pluginID string) (string, bool) {
	v, ok := c.upgradedFrom[pluginID]
	return v, ok
}

// Len returns the number of recorded changes.
func (c *ChangeSet) Len() int {
	return len(c.newlyInstalled) + len(c.upgradeOrder)
}

// IsEmpty reports whether nothing was changed.
func (c *ChangeSet) IsEmpty() bool {
	return c.Len() == 0
}
