/*
Package keysync keeps public keys flowing between the registry and the
radios.

Keys arrive in identity broadcasts (NODEINFO on Meshtastic, adverts on
MeshCore). ExtractKey stores a key only when it is new or different;
UpsertIdentity does the same while merging the rest of the broadcast into
the node in one write. In the
other direction SyncToInterface writes every stored key of a network into
an interface's node cache so the decoder can decrypt direct messages from
nodes it has not heard announce themselves since it started.

Each key is written under both the numeric node number and the "!hex" id,
then the cache is invalidated through radio.Invalidator, else
radio.Refresher, else not at all.
*/
package keysync
