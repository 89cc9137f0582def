package cache

import "strings"

const keySeparator = "::"

// Key prefixes for the record kinds held in the cache.
const (
	PrefixModelDefinition      = "conn_model_def"
	PrefixConnectionDefinition = "conn_def"
	PrefixOAuthDefinition      = "conn_oauth_def"
	PrefixCommonModel          = "common_model"
)

// ModelDefinitionKey composes the key of a connection model definition. The
// action name is part of the key because one platform model carries a
// definition per action.
func ModelDefinitionKey(platform, platformVersion, modelName, actionName string) string {
	return strings.Join([]string{PrefixModelDefinition, platform, platformVersion, modelName, actionName}, keySeparator)
}

// ConnectionDefinitionKey composes the key of a connection definition.
func ConnectionDefinitionKey(id string) string {
	return PrefixConnectionDefinition + keySeparator + id
}

// OAuthDefinitionKey composes the key of an OAuth definition.
func OAuthDefinitionKey(id string) string {
	return PrefixOAuthDefinition + keySeparator + id
}

// CommonModelKey composes the key of a common model.
func CommonModelKey(id string) string {
	return PrefixCommonModel + keySeparator + id
}

// CommonModelNameKey composes the key of a common model looked up by name.
func CommonModelNameKey(name string) string {
	return PrefixCommonModel + keySeparator + "name" + keySeparator + name
}
