package wamp

import (
	"errors"
	"reflect"
	"strings"
)

// Dict is a dictionary of message details, options, or arguments keyed by
// string.
type Dict map[string]interface{}

// List is an ordered sequence of message arguments.
type List []interface{}

// NormalizeDict returns a copy of v with every nested string-keyed map
// converted to Dict and every nested slice converted to List.  Returns nil
// if v is not a map.  Used on dictionaries arriving from the wire, where the
// codec produces generic map and slice types.  The input is not mutated.
func NormalizeDict(v interface{}) Dict {
	val := reflect.ValueOf(v)
	if val.Kind() != reflect.Map {
		return nil
	}
	dict := Dict{}
	for _, key := range val.MapKeys() {
		if key.Kind() == reflect.Interface {
			key = key.Elem()
		}
		if key.Kind() != reflect.String {
			continue
		}
		cv := val.MapIndex(key)
		child := NormalizeDict(cv.Interface())
		if child == nil {
			if cv.Kind() == reflect.Interface && cv.Elem().Kind() == reflect.Slice {
				cv = cv.Elem()
				listType := reflect.TypeOf(List{})
				if cv.Type().ConvertibleTo(listType) {
					cv = cv.Convert(listType)
				}
			}
			dict[key.String()] = cv.Interface()
			continue
		}
		dict[key.String()] = child
	}
	return dict
}

// DictChild returns the child dictionary under the given key, or nil if the
// key is absent.  A child that is not already a Dict is converted without
// modifying the parent, since details may be read concurrently.
func DictChild(dict Dict, key string) Dict {
	iface, ok := dict[key]
	if !ok || iface == nil {
		return nil
	}
	child, ok := iface.(Dict)
	if !ok {
		child = NormalizeDict(iface)
		if child == nil {
			return nil
		}
	}
	return child
}

// DictValue returns the value at the given path of keys.
//
// For example, the path []string{"roles", "callee", "features",
// "call_canceling"} returns the value of the call_canceling feature.  An
// error is returned if any path element is missing.
func DictValue(dict Dict, path []string) (interface{}, error) {
	for i := range path[:len(path)-1] {
		dict = DictChild(dict, path[i])
		if dict == nil {
			return nil, errors.New(
				"cannot find: " + strings.Join(path[:i+1], "."))
		}
	}
	v, ok := dict[path[len(path)-1]]
	if !ok {
		return nil, errors.New("cannot find: " + strings.Join(path, "."))
	}
	return v, nil
}

// DictFlag returns the boolean at the given path of keys.  An error is
// returned if the value is missing or not a boolean.
func DictFlag(dict Dict, path []string) (bool, error) {
	v, err := DictValue(dict, path)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, errors.New(
			strings.Join(path, ".") + " is not a boolean type")
	}
	return b, nil
}

// SetOption sets one name-value pair in an options dict, allocating the dict
// when nil, and returns it.
func SetOption(dict Dict, name string, value interface{}) Dict {
	if dict == nil {
		dict = Dict{}
	}
	dict[name] = value
	return dict
}

// OptionString returns the named option as a string; empty if the option is
// missing or not string-like.
func OptionString(opts Dict, name string) string {
	opt, _ := AsString(opts[name])
	return opt
}

// OptionID returns the named option as an ID; zero if the option is missing
// or not an integer.
func OptionID(opts Dict, name string) ID {
	opt, _ := AsID(opts[name])
	return opt
}

// OptionInt64 returns the named option as an int64; zero if the option is
// missing or not an integer.
func OptionInt64(opts Dict, name string) int64 {
	opt, _ := AsInt64(opts[name])
	return opt
}

// OptionFlag returns the named option as a bool; false if the option is
// missing or not a bool.
func OptionFlag(opts Dict, name string) bool {
	opt, _ := AsBool(opts[name])
	return opt
}
