package configuration

import (
	"reflect"
	"sort"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/tigrisdata/bbm/internal/feature"
	"github.com/tigrisdata/bbm/log"
)

const envPrefix = "BBM"

type envVar struct {
	name  string
	path  []string
	value string
}

// overwriteFromEnv applies every environment variable named after the prefix and the upper cased yaml path of a
// configuration field. Values are decoded as yaml, so custom unmarshalers and validation apply. Parents are set before
// their children so that BBM_DATABASE and BBM_DATABASE_HOST can be combined.
func overwriteFromEnv(prefix string, environ []string, config *Configuration) error {
	var vars []envVar
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, prefix+"_") || feature.KnownEnvVar(name) {
			continue
		}
		vars = append(vars, envVar{
			name:  name,
			path:  strings.Split(strings.TrimPrefix(name, prefix+"_"), "_"),
			value: value,
		})
	}

	sort.SliceStable(vars, func(i, j int) bool {
		return len(vars[i].path) < len(vars[j].path)
	})

	root := reflect.ValueOf(config).Elem()
	for _, v := range vars {
		found, err := overwriteField(root, v.path, v.value)
		if err != nil {
			return err
		}
		if !found {
			log.GetLogger().WithField("variable", v.name).Debug("ignoring unrecognized environment variable")
		}
	}

	return nil
}

func overwriteField(v reflect.Value, path []string, payload string) (bool, error) {
	if len(path) == 0 {
		ptr := reflect.New(v.Type())
		if err := yaml.Unmarshal([]byte(payload), ptr.Interface()); err != nil {
			return true, err
		}
		v.Set(ptr.Elem())
		return true, nil
	}

	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		return overwriteField(v.Elem(), path, payload)
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			if !strings.EqualFold(fieldName(t.Field(i)), path[0]) {
				continue
			}
			return overwriteField(v.Field(i), path[1:], payload)
		}
	}

	return false, nil
}

func fieldName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
	if name == "" {
		return f.Name
	}
	return name
}
