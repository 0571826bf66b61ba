package rest

import (
	"os"

	"cordrest/internal/entity"
	"cordrest/internal/routes"
)

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o600)
}

func routesForChannel(id entity.Snowflake) routes.CompiledRoute {
	return routes.PostChannelMessages.MustCompile(routes.Params{"channel": id.String()})
}
