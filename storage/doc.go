/*
Package storage abstracts the per-session object storage the batch service
reads from and writes to.

Blobs stores files inside a per-session container. FileBlobs keeps them on
the local filesystem for development and tests; production deployments plug
in their cloud object store behind the same interface.

Linker issues time-limited links to a session's container, table or a
single blob. TokenLinker signs the grant as an HS256 JWT.
*/
package storage
