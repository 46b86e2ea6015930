// Package manifest loads and validates agent manifests: YAML files that name an
// agent, the mode it runs in (triage, bug-finder, code-review), the model and
// limits it uses, and the triggers it responds to. Raw YAML is checked against
// an embedded JSON Schema before it is decoded into typed structs.
package manifest
