// Package schemareg stores schemas as nodes and converts them into runtime
// shape descriptors used for validation.
//
// A schema definition is itself a comap node holding {name, cotype,
// properties, required}. The chain of "what validates the validator" is
// terminated by the meta-schema, the unique definition node whose own schema
// back-reference points at itself; it is bootstrapped in two phases because
// a node's id is unknown until it is created.
//
// Definitions are converted once per schema node into a cached descriptor
// tree. Reference-typed fields link to the referenced schema's cached
// descriptor rather than inlining it, so cyclic and recursive schema graphs
// convert without infinite expansion.
package schemareg
