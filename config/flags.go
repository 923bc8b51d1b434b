package config

import (
	"time"

	"github.com/spf13/pflag"
)

// flagReader keeps the first lookup error so LoadConfig reads linearly.
type flagReader struct {
	flags *pflag.FlagSet
	err   error
}

func (r *flagReader) keep(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *flagReader) string(name string) string {
	v, err := r.flags.GetString(name)
	r.keep(err)
	return v
}

func (r *flagReader) bool(name string) bool {
	v, err := r.flags.GetBool(name)
	r.keep(err)
	return v
}

func (r *flagReader) int(name string) int {
	v, err := r.flags.GetInt(name)
	r.keep(err)
	return v
}

func (r *flagReader) float64(name string) float64 {
	v, err := r.flags.GetFloat64(name)
	r.keep(err)
	return v
}

func (r *flagReader) duration(name string) time.Duration {
	v, err := r.flags.GetDuration(name)
	r.keep(err)
	return v
}

func (r *flagReader) stringArray(name string) []string {
	v, err := r.flags.GetStringArray(name)
	r.keep(err)
	return v
}

func (r *flagReader) stringSlice(name string) []string {
	v, err := r.flags.GetStringSlice(name)
	r.keep(err)
	return v
}
