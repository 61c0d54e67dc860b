package gmail

import (
	"reflect"
	"sort"
)

// FlagSet represents the action to take on a flag
type FlagSet int

const (
	FlagUnset FlagSet = iota
	FlagAdd
	FlagRemove
)

// Flags describes a change to a message's system flags, keywords and Gmail
// labels. Keywords and Labels map a name to true to add it, false to remove
// it.
type Flags struct {
	Seen     FlagSet
	Answered FlagSet
	Flagged  FlagSet
	Deleted  FlagSet
	Draft    FlagSet
	Keywords map[string]bool
	Labels   map[string]bool
}

// flagChanges holds the STORE arguments a Flags value expands to.
type flagChanges struct {
	addFlags, removeFlags   []string
	addLabels, removeLabels []string
}

func (c flagChanges) empty() bool {
	return len(c.addFlags)+len(c.removeFlags)+len(c.addLabels)+len(c.removeLabels) == 0
}

func (f Flags) changes() flagChanges {
	var c flagChanges

	v := reflect.ValueOf(f)
	t := reflect.TypeOf(f)
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.Type != reflect.TypeOf(FlagUnset) {
			continue
		}
		switch FlagSet(v.Field(i).Int()) {
		case FlagAdd:
			c.addFlags = append(c.addFlags, `\`+field.Name)
		case FlagRemove:
			c.removeFlags = append(c.removeFlags, `\`+field.Name)
		}
	}

	add, remove := splitSet(f.Keywords)
	c.addFlags = append(c.addFlags, add...)
	c.removeFlags = append(c.removeFlags, remove...)
	c.addLabels, c.removeLabels = splitSet(f.Labels)
	return c
}

// splitSet returns the sorted true and false keys of m.
func splitSet(m map[string]bool) (add, remove []string) {
	for k, on := range m {
		if on {
			add = append(add, k)
		} else {
			remove = append(remove, k)
		}
	}
	sort.Strings(add)
	sort.Strings(remove)
	return add, remove
}
