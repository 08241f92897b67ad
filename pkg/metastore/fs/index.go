package fs

import (
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/workhub/metastore/pkg/metastore"
)

// propertyIndex answers "which user has property P = V" without a filesystem
// scan. Each registered key maps property values to the owning user id, with
// the invariant that a user appears at most once per key: setting a new value
// first removes the user's prior entry.
type propertyIndex struct {
	mu sync.RWMutex

	// tables maps a registered property key to its value -> userID table.
	tables map[string]map[string]string
}

func newPropertyIndex() *propertyIndex {
	return &propertyIndex{tables: make(map[string]map[string]string)}
}

// register adds keys with empty tables. Re-registering a key is a fatal
// usage error.
func (x *propertyIndex) register(keys ...string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	for _, key := range keys {
		if _, ok := x.tables[key]; ok {
			return metastore.Errorf(metastore.ErrConfiguration, "property %q is already registered", key)
		}
		x.tables[key] = make(map[string]string)
	}
	return nil
}

// add records value -> userID under key, evicting any prior value the user
// held for that key. Unregistered keys are ignored.
func (x *propertyIndex) add(key, value, userID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.addLocked(key, value, userID)
}

func (x *propertyIndex) addLocked(key, value, userID string) {
	table, ok := x.tables[key]
	if !ok {
		return
	}
	for v, id := range table {
		if id == userID {
			delete(table, v)
		}
	}
	table[value] = userID
}

// removeLocked drops the user's entry under key, whatever its value.
func (x *propertyIndex) removeLocked(key, userID string) {
	table, ok := x.tables[key]
	if !ok {
		return
	}
	for v, id := range table {
		if id == userID {
			delete(table, v)
		}
	}
}

// setProperties synchronizes every registered key (except the username key)
// with the user's current property map.
func (x *propertyIndex) setProperties(userID string, props map[string]string) {
	x.mu.Lock()
	defer x.mu.Unlock()

	for key := range x.tables {
		if key == metastore.UserNameProperty {
			continue
		}
		if value, ok := props[key]; ok && value != "" {
			x.addLocked(key, value, userID)
		} else {
			x.removeLocked(key, userID)
		}
	}
}

// deleteUser drops the user from every table.
func (x *propertyIndex) deleteUser(userID string) {
	x.mu.Lock()
	defer x.mu.Unlock()

	for key := range x.tables {
		x.removeLocked(key, userID)
	}
}

// renameUser repoints every entry of oldID to newID.
func (x *propertyIndex) renameUser(oldID, newID string) {
	x.mu.Lock()
	defer x.mu.Unlock()

	for _, table := range x.tables {
		for v, id := range table {
			if id == oldID {
				table[v] = newID
			}
		}
	}
}

// lookup returns the id of the first user whose value under key matches.
// Exact matches are a direct table hit; case-insensitive and regular
// expression matches scan the table in sorted value order so the result is
// deterministic. Querying an unregistered key is a fatal usage error.
func (x *propertyIndex) lookup(key, value string, regex, ignoreCase bool) (string, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	table, ok := x.tables[key]
	if !ok {
		return "", metastore.Errorf(metastore.ErrConfiguration, "property %q is not registered", key)
	}

	if !regex && !ignoreCase {
		return table[value], nil
	}

	matches, err := compileMatcher(value, regex, ignoreCase)
	if err != nil {
		return "", err
	}

	values := make([]string, 0, len(table))
	for v := range table {
		values = append(values, v)
	}
	sort.Strings(values)

	for _, v := range values {
		if matches(v) {
			return table[v], nil
		}
	}
	return "", nil
}

// compileMatcher builds the predicate used for non-exact property matching.
func compileMatcher(value string, regex, ignoreCase bool) (func(string) bool, error) {
	if regex {
		pattern := value
		if ignoreCase {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, metastore.Errorf(metastore.ErrInvalidArgument, "invalid property pattern %q: %v", value, err)
		}
		return re.MatchString, nil
	}
	if ignoreCase {
		return func(v string) bool { return strings.EqualFold(v, value) }, nil
	}
	return func(v string) bool { return v == value }, nil
}
