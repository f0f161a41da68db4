// Package domain defines the core types shared by the conversion service.
//
// This package contains pure domain logic with ZERO external dependencies outside the
// Go standard library: versions, target/format/pipeline catalog entries, the
// engine capability interface, and the classified error taxonomy.
//
// Other packages (registry, engine, pipeline, dispatch, api) implement or
// consume the interfaces defined here. The dependency direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain
