package sqlinline

const QSelectIntegrationToken = `--sql 4de7e50b-d715-40b6-b611-855ffcbfe8fb
SELECT token
FROM integration_tokens
WHERE provider = $1
LIMIT 1;
`

const QUpsertIntegrationToken = `--sql 9007bee4-69ae-4fa6-b982-238bc6e09d1c
INSERT INTO integration_tokens (provider, token, properties, updated_at)
VALUES ($1, $2, $3::jsonb, now())
ON CONFLICT (provider) DO UPDATE
SET token = EXCLUDED.token,
    properties = EXCLUDED.properties,
    updated_at = now();
`
