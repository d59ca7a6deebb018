package forumsync

import (
	"sort"

	"github.com/bobg/go-generics/slices"
	"github.com/pkg/errors"
)

// Repo identifies a tracker repository.
type Repo struct {
	Owner string `yaml:"owner" json:"owner"`
	Name  string `yaml:"repo" json:"repo"`
}

func (r Repo) String() string {
	return r.Owner + "/" + r.Name
}

// ChannelConfig is the configuration of one bound channel.
type ChannelConfig struct {
	Repository Repo   `yaml:"repository"`
	Label      string `yaml:"label"`
}

// Binding is a forum channel's association with a repository.
// If Label is non-empty,
// only issues carrying that label are mirrored into the channel,
// and threads created in the channel get that label on their issues.
type Binding struct {
	ChannelID string
	Repo      Repo
	Label     string
}

// Matches tells whether an issue with the given labels belongs in b's channel.
func (b Binding) Matches(labels []string) bool {
	if b.Label == "" {
		return true
	}
	for _, l := range labels {
		if l == b.Label {
			return true
		}
	}
	return false
}

// withLabel adds b's label to the front of labels if it is missing.
// An issue in a filtered channel keeps the label that put it there.
func (b Binding) withLabel(labels []string) []string {
	if b.Matches(labels) {
		return labels
	}
	return append([]string{b.Label}, labels...)
}

// Registry is the read-only set of channel bindings.
type Registry struct {
	bindings []Binding // sorted by ChannelID
	byID     map[string]Binding
}

// NewRegistry validates a channel configuration map (keyed by channel id)
// and produces a Registry.
// Every entry must name a repository owner and name.
func NewRegistry(channels map[string]ChannelConfig) (*Registry, error) {
	r := &Registry{byID: make(map[string]Binding, len(channels))}
	for id, cfg := range channels {
		if id == "" {
			return nil, errors.New("channel binding with empty channel id")
		}
		if cfg.Repository.Owner == "" {
			return nil, errors.Errorf("channel %s: missing repository owner", id)
		}
		if cfg.Repository.Name == "" {
			return nil, errors.Errorf("channel %s: missing repository name", id)
		}
		b := Binding{ChannelID: id, Repo: cfg.Repository, Label: cfg.Label}
		r.bindings = append(r.bindings, b)
		r.byID[id] = b
	}
	sort.Slice(r.bindings, func(i, j int) bool { return r.bindings[i].ChannelID < r.bindings[j].ChannelID })
	return r, nil
}

// Len is the number of bound channels.
func (r *Registry) Len() int {
	return len(r.bindings)
}

// Bindings returns all bindings, sorted by channel id.
func (r *Registry) Bindings() []Binding {
	return append([]Binding(nil), r.bindings...)
}

// Resolve returns the binding for a channel.
func (r *Registry) Resolve(channelID string) (Binding, bool) {
	b, ok := r.byID[channelID]
	return b, ok
}

// Repos returns each repository with at least one binding, in a stable order.
func (r *Registry) Repos() []Repo {
	var (
		result []Repo
		seen   = make(map[Repo]bool)
	)
	for _, b := range r.bindings {
		if seen[b.Repo] {
			continue
		}
		seen[b.Repo] = true
		result = append(result, b.Repo)
	}
	return result
}

func (r *Registry) forRepo(repo Repo) []Binding {
	var result []Binding
	for _, b := range r.bindings {
		if b.Repo == repo {
			result = append(result, b)
		}
	}
	return result
}

// ChannelsForRepo returns the ids of the channels bound to a repository.
func (r *Registry) ChannelsForRepo(repo Repo) []string {
	ids, _ := slices.Map(r.forRepo(repo), func(_ int, b Binding) (string, error) {
		return b.ChannelID, nil
	})
	return ids
}

// MatchingChannels returns the bindings of every channel that should mirror
// an issue in repo with the given labels.
func (r *Registry) MatchingChannels(repo Repo, labels []string) []Binding {
	var result []Binding
	for _, b := range r.forRepo(repo) {
		if b.Matches(labels) {
			result = append(result, b)
		}
	}
	return result
}

// InvalidLinks selects, from the links of an issue in repo,
// the ones whose channel is bound to repo but whose label filter
// no longer matches the issue's current labels.
// Those threads must be torn down.
// Links in channels that are unbound or bound to other repositories are never selected.
func (r *Registry) InvalidLinks(repo Repo, labels []string, links []IssueLink) []IssueLink {
	var result []IssueLink
	for _, l := range links {
		b, ok := r.byID[l.ChannelID]
		if !ok || b.Repo != repo {
			continue
		}
		if !b.Matches(labels) {
			result = append(result, l)
		}
	}
	return result
}
