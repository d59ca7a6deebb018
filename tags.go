package forumsync

// LabelsToTags maps tracker labels to the ids of the same-named tags in a channel's catalogue.
// Labels with no such tag are dropped.
func LabelsToTags(catalogue []Tag, labels []string) []string {
	idByName := make(map[string]string, len(catalogue))
	for _, t := range catalogue {
		idByName[t.Name] = t.ID
	}

	var (
		result []string
		seen   = make(map[string]bool)
	)
	for _, l := range labels {
		id, ok := idByName[l]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		result = append(result, id)
	}
	return result
}

// TagsToLabels computes an issue's new labels from the tags applied to its thread.
// The result is the current tracker labels that have no counterpart in the catalogue
// (in their original order),
// followed by the names of the applied tags.
// Unapplying a tag thus removes its label,
// while labels the channel cannot express survive.
func TagsToLabels(catalogue []Tag, appliedTagIDs []string, currentLabels []string) []string {
	var (
		nameByID = make(map[string]string, len(catalogue))
		inCat    = make(map[string]bool, len(catalogue))
	)
	for _, t := range catalogue {
		nameByID[t.ID] = t.Name
		inCat[t.Name] = true
	}

	var (
		result = []string{}
		seen   = make(map[string]bool)
	)
	add := func(label string) {
		if seen[label] {
			return
		}
		seen[label] = true
		result = append(result, label)
	}
	for _, l := range currentLabels {
		if !inCat[l] {
			add(l)
		}
	}
	for _, id := range appliedTagIDs {
		if name, ok := nameByID[id]; ok {
			add(name)
		}
	}
	return result
}

// sameSet tells whether a and b hold the same strings, ignoring order and duplicates.
func sameSet(a, b []string) bool {
	as := make(map[string]bool, len(a))
	for _, s := range a {
		as[s] = true
	}
	bs := make(map[string]bool, len(b))
	for _, s := range b {
		if !as[s] {
			return false
		}
		bs[s] = true
	}
	return len(as) == len(bs)
}
