package versionstore

import "github.com/devenkhatri/google-sheets-plus-plus-sub000/internal/changes"

type keyspace struct {
	prefix string
}

func (k keyspace) version(entityType changes.EntityType, entityID string) string {
	return k.prefix + ":version:" + string(entityType) + ":" + entityID
}

func (k keyspace) event(eventID string) string {
	return k.prefix + ":event:" + eventID
}

func (k keyspace) tableEvents(tableID string) string {
	return k.prefix + ":table:" + tableID + ":events"
}

func (k keyspace) baseEvents(baseID string) string {
	return k.prefix + ":base:" + baseID + ":events"
}

func (k keyspace) entityEvents(entityType changes.EntityType, entityID string) string {
	return k.prefix + ":entity:" + string(entityType) + ":" + entityID + ":events"
}

func (k keyspace) offlineQueue(userID string) string {
	return k.prefix + ":user:" + userID + ":offline"
}

func (k keyspace) offlineTables(userID string) string {
	return k.prefix + ":user:" + userID + ":offline_tables"
}

func (k keyspace) offlineUsers(tableID string) string {
	return k.prefix + ":table:" + tableID + ":offline_users"
}
