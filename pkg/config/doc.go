// Package config loads and validates experiment configuration.
//
// Experiments are described in CUE: one file or directory per experiment,
// validated against a built-in schema, decoded into a Config, and mapped
// onto the component configurations the run command assembles. Reward
// shaping beyond the declarative band ladder is expressed in Starlark and
// evaluated through the same package.
package config
