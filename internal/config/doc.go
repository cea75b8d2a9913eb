/*
Package config provides the configuration surface for the contentcache
engine.

Every recognized option is an explicit struct field with a default;
unknown YAML keys are rejected at load time rather than silently
ignored. Human-readable sizes ("100MB", "1GB") are accepted wherever a
byte count is expected.

Configuration is resolved in three layers, later layers winning:
defaults, an optional YAML file, then CONTENTCACHE_* environment
variables.
*/
package config
