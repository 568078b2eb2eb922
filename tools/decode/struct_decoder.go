package decode

import (
	"github.com/mitchellh/mapstructure"
)

// Decode maps a loosely-typed config section (yaml/json/env merge) onto a
// typed struct, honoring `mapstructure` tags and weak type conversion.
func Decode(input any, output any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           output,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}
